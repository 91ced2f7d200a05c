package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/boscod/attendwatch/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName   = "attendance.events"
	QueueName      = "attendance.reported"
	BindingKey     = "#"
	ReconnectDelay = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("RabbitMQ client not (yet) connected")
	ErrClosed       = errors.New("RabbitMQ client closed")
)

// Client publishes reported attendance events to a topic exchange, routed
// by poll tag. It reconnects in the background when the broker drops it.
type Client struct {
	URL string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// Setup connects to url and declares the topology.
func Setup(url string) (*Client, error) {
	c := &Client{URL: url}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	log.Printf("Attempting to connect to RabbitMQ...")
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	if !c.adopt(conn, ch) {
		ch.Close()
		conn.Close()
		return ErrClosed
	}

	go c.watchConnection(conn)

	log.Println("RabbitMQ connected successfully")
	return nil
}

// adopt stores a fresh connection unless Close has been called meanwhile.
func (c *Client) adopt(conn *amqp.Connection, ch *amqp.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn, c.channel = conn, ch
	return true
}

func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		ExchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		QueueName,    // queue name
		BindingKey,   // routing key
		ExchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func (c *Client) watchConnection(conn *amqp.Connection) {
	err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || err == nil {
		return
	}
	log.Printf("RabbitMQ connection closed: %v. Reconnecting...", err)
	c.reconnect()
}

func (c *Client) reconnect() {
	for {
		time.Sleep(ReconnectDelay)
		if c.isClosed() {
			return
		}
		err := c.connect()
		switch {
		case err == nil:
			log.Println("RabbitMQ reconnected")
			return
		case errors.Is(err, ErrClosed):
			return
		}
		log.Printf("Failed to reconnect to RabbitMQ: %v. Retrying in %v...", err, ReconnectDelay)
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close closes the channel and connection; no reconnect follows.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) Name() string { return "rabbitmq publisher" }

// Observe publishes each event as JSON with the poll tag as routing key.
func (c *Client) Observe(ctx context.Context, events []models.ReportedEvent) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	for _, e := range events {
		body, err := Encode(e)
		if err != nil {
			return err
		}
		err = ch.PublishWithContext(ctx,
			ExchangeName, // exchange
			e.Tag,        // routing key
			false,        // mandatory
			false,        // immediate
			amqp.Publishing{
				ContentType:   "application/json",
				MessageId:     string(e.ID()),
				CorrelationId: e.CycleID,
				Timestamp:     e.PollTime,
				Body:          body,
				DeliveryMode:  amqp.Persistent,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
	}
	return nil
}

// Message is the published body of a reported event.
type Message struct {
	EventID   string `json:"event_id"`
	Device    string `json:"device"`
	UserID    string `json:"user_id"`
	UID       int    `json:"uid"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
	Punch     int    `json:"punch"`
	Type      string `json:"type"`
	PollTime  string `json:"poll_time"`
	CycleID   string `json:"cycle_id"`
}

func Encode(e models.ReportedEvent) ([]byte, error) {
	return json.Marshal(Message{
		EventID:   string(e.ID()),
		Device:    e.Device,
		UserID:    e.UserID,
		UID:       e.UID,
		Timestamp: e.Timestamp.Format(models.TimeLayout),
		Status:    e.Status,
		Punch:     e.Punch,
		Type:      e.Tag,
		PollTime:  e.PollTime.Format(models.TimeLayout),
		CycleID:   e.CycleID,
	})
}
