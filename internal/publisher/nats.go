package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// PublisherMetrics receives publish and connection events.
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NATSPublisher fans live vehicle positions out to NATS subscribers.
type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

// PositionMessage is a live vehicle position as seen by the route map.
type PositionMessage struct {
	BusID     string    `json:"busId"`
	VariantID string    `json:"variantId,omitempty"`
	CompanyID string    `json:"companyId,omitempty"`
	Color     string    `json:"color,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	SpeedKph  float64   `json:"speedKph"`
}

func NewNATSPublisher(url, subjectPrefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, connectOptions(m)...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	setConnected(m, true)
	return newPublisher(nc, subjectPrefix, logSubjects, m), nil
}

func connectOptions(m PublisherMetrics) []nats.Option {
	onState := func(connected bool, event string) nats.ConnHandler {
		return func(_ *nats.Conn) {
			setConnected(m, connected)
			log.Printf("nats %s", event)
		}
	}
	return []nats.Option{
		nats.Name("routemap"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectHandler(onState(false, "disconnected")),
		nats.ReconnectHandler(onState(true, "reconnected")),
		nats.ClosedHandler(onState(false, "closed")),
	}
}

func setConnected(m PublisherMetrics, connected bool) {
	if m != nil {
		m.NATSSetConnected(connected)
	}
}

func newPublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "vehicles"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

// Close flushes pending messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Printf("nats drain: %v", err)
	}
	p.nc.Close()
}

// Subject is <prefix>.<variant or "unassigned">.<bus>.
func (p *NATSPublisher) Subject(variantID, busID string) string {
	variant := "unassigned"
	if strings.TrimSpace(variantID) != "" {
		variant = subjectToken(variantID)
	}
	return p.prefix + "." + variant + "." + subjectToken(busID)
}

func (p *NATSPublisher) PublishPosition(msg PositionMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode position bus=%s: %w", msg.BusID, err)
	}
	subject := p.Subject(msg.VariantID, msg.BusID)
	if p.logSubjects {
		log.Printf("nats publish subject=%s bytes=%d", subject, len(payload))
	}

	started := time.Now()
	err = p.nc.Publish(subject, payload)
	if p.metrics == nil {
		return err
	}
	p.metrics.PublishObserve(time.Since(started))
	if err != nil {
		p.metrics.NATSPublishErrInc()
		return err
	}
	p.metrics.NATSPublishedInc()
	return nil
}

// subjectToken makes s usable as a single NATS subject token: no
// whitespace, separators or wildcards.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '.', '>', '*', '/':
			return '_'
		}
		return r
	}, s)
}
