package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robofleet/orchestrator/internal/testutil"
)

func TestPublisher_RobotLifecycle(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	p, err := NewPublisher(js, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, "ROBOTS", 5*time.Second))

	// Creating the publisher twice must tolerate the existing stream
	_, err = NewPublisher(js, zap.NewNop())
	require.NoError(t, err)

	done := make(chan [][]byte, 1)
	go func() {
		msgs, _ := testutil.CollectMessages(js, "robot.*", 2*time.Second)
		done <- msgs
	}()
	time.Sleep(200 * time.Millisecond)

	p.RobotCreated("robot_1", "worker-a", map[string]string{"robot_type": "vision"})
	p.RobotProgress("robot_1", "worker-a", map[string]int{"progress": 40})
	p.RobotCompleted("robot_1", "worker-a", nil)

	msgs := <-done
	require.Len(t, msgs, 3)

	var first Event
	require.NoError(t, json.Unmarshal(msgs[0], &first))
	assert.Equal(t, SubjectRobotCreated, first.Subject)
	assert.Equal(t, "robot_1", first.RobotID)
	assert.Equal(t, "worker-a", first.Module)
	assert.False(t, first.Timestamp.IsZero())
	assert.JSONEq(t, `{"robot_type":"vision"}`, string(first.Payload))
}

func TestPublisher_NilSafe(t *testing.T) {
	// A missing event bus must never panic or block robot processing
	var p *Publisher
	p.RobotCreated("robot_1", "worker-a", nil)
	p.RobotFailed("robot_1", "worker-a", nil)
	p.ModuleHealth("worker-a", nil)
}
