package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/paulmach/orb/geojson"

	"gtfs-pattern-editor/internal/gtfs"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subjectPrefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfs-pattern-editor"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectPrefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PatternShapeMessage announces a committed revision of a pattern.
type PatternShapeMessage struct {
	PatternID string            `json:"patternId"`
	RouteID   string            `json:"routeId"`
	Revision  uint64            `json:"revision"`
	Edit      string            `json:"edit"` // insert|update|delete|undo
	Timestamp time.Time         `json:"timestamp"`
	Length    float64           `json:"lengthMeters"`
	Shape     *geojson.Geometry `json:"shape"`
	Halts     gtfs.Halts        `json:"halts"`
}

func NewPatternShapeMessage(p gtfs.Pattern, revision uint64, edit string, length float64) PatternShapeMessage {
	return PatternShapeMessage{
		PatternID: p.ID,
		RouteID:   p.RouteID,
		Revision:  revision,
		Edit:      edit,
		Timestamp: time.Now().UTC(),
		Length:    length,
		Shape:     geojson.NewGeometry(p.Shape),
		Halts:     gtfs.Halts(p.Halts),
	}
}

func (p *NATSPublisher) PublishPattern(msg PatternShapeMessage) error {
	subject := Subject(p.prefix, msg.RouteID, msg.PatternID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// Subject returns <prefix>.<route>.<pattern> with every part made a valid
// NATS token. An empty prefix is left out.
func Subject(prefix, routeID, patternID string) string {
	subject := fmt.Sprintf("%s.%s", subjectToken(routeID), subjectToken(patternID))
	if prefix = strings.Trim(strings.TrimSpace(prefix), "."); prefix != "" {
		subject = prefix + "." + subject
	}
	return subject
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
