package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	robotStreamName = "ROBOTS"
	streamMaxAge    = 24 * time.Hour
	streamMaxMsgs   = 100000
)

// Subjects published on the robot lifecycle stream
const (
	SubjectRobotCreated     = "robot.created"
	SubjectRobotProgress    = "robot.progress"
	SubjectRobotCompleted   = "robot.completed"
	SubjectRobotFailed      = "robot.failed"
	SubjectRobotCancelled   = "robot.cancelled"
	SubjectModuleRegistered = "module.registered"
	SubjectModuleHealth     = "module.health"
)

// Event is the envelope for every lifecycle message
type Event struct {
	Subject   string          `json:"subject"`
	RobotID   string          `json:"robot_id,omitempty"`
	Module    string          `json:"module,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publisher emits robot lifecycle events over JetStream. Publishing is
// best-effort: failures are logged and never propagated, so a flaky
// event bus cannot fail robot processing.
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewPublisher creates the lifecycle stream if needed and returns a publisher
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		js:     js,
		logger: logger.Named("events"),
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     robotStreamName,
		Subjects: []string{"robot.*", "module.*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	})
	if err != nil {
		// If stream already exists, that's okay
		if err == nats.ErrStreamNameAlreadyInUse {
			p.logger.Info("Stream already exists", zap.String("stream", robotStreamName))
			return p, nil
		}
		return nil, err
	}

	p.logger.Info("Stream created successfully", zap.String("stream", robotStreamName))
	return p, nil
}

// RobotCreated announces a newly accepted robot and its module assignment
func (p *Publisher) RobotCreated(robotID, module string, payload interface{}) {
	p.publish(SubjectRobotCreated, robotID, module, payload)
}

// RobotProgress announces a progress update
func (p *Publisher) RobotProgress(robotID, module string, payload interface{}) {
	p.publish(SubjectRobotProgress, robotID, module, payload)
}

// RobotCompleted announces a successful completion
func (p *Publisher) RobotCompleted(robotID, module string, payload interface{}) {
	p.publish(SubjectRobotCompleted, robotID, module, payload)
}

// RobotFailed announces a failure
func (p *Publisher) RobotFailed(robotID, module string, payload interface{}) {
	p.publish(SubjectRobotFailed, robotID, module, payload)
}

// RobotCancelled announces a caller-initiated cancellation
func (p *Publisher) RobotCancelled(robotID, module string, payload interface{}) {
	p.publish(SubjectRobotCancelled, robotID, module, payload)
}

// ModuleRegistered announces a new module joining the fleet
func (p *Publisher) ModuleRegistered(module string, payload interface{}) {
	p.publish(SubjectModuleRegistered, "", module, payload)
}

// ModuleHealth announces a health status change
func (p *Publisher) ModuleHealth(module string, payload interface{}) {
	p.publish(SubjectModuleHealth, "", module, payload)
}

func (p *Publisher) publish(subject, robotID, module string, payload interface{}) {
	if p == nil || p.js == nil {
		return
	}

	event := Event{
		Subject:   subject,
		RobotID:   robotID,
		Module:    module,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			p.logger.Error("Failed to marshal event payload",
				zap.String("subject", subject), zap.Error(err))
			return
		}
		event.Payload = data
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.String("subject", subject), zap.Error(err))
		return
	}

	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.String("robot_id", robotID),
			zap.Error(err))
	}
}
