package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/events"
	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence/memory"
)

type stubBus struct {
	mu        sync.Mutex
	counter   int
	published []events.Notification
}

func (b *stubBus) Publish(_ context.Context, notification events.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, notification)

	return nil
}

func (b *stubBus) Handle(events.NotificationType, eventbus.NotificationHandler) {}
func (b *stubBus) Subscribe(context.Context) error                              { return nil }
func (b *stubBus) Close() error                                                 { return nil }

func (b *stubBus) GenerateID() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++

	return fmt.Sprintf("n-%d", b.counter)
}

func newServiceForTest(t *testing.T) (*Service, *memory.Store, *stubBus) {
	t.Helper()

	store := memory.NewStore()
	bus := &stubBus{}

	return NewService(store, bus), store, bus
}

func TestSubmitCreatesDurableRunAndWakes(t *testing.T) {
	service, store, bus := newServiceForTest(t)

	run, err := service.Submit(context.Background(), models.WorkflowTypeBulkAnalysis,
		json.RawMessage(`{"namespace_denylist":["ns-internal"]}`))
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	stored, err := store.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowTypeBulkAnalysis, stored.Type)

	require.Len(t, bus.published, 1)
	submitted, ok := bus.published[0].(events.RunSubmitted)
	require.True(t, ok)
	assert.Equal(t, run.ID, submitted.RunID)
	assert.Equal(t, models.WorkflowTypeBulkAnalysis, submitted.WorkflowType)
}

func TestSubmitAppliesVerifyDelayDefault(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	run, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange,
		json.RawMessage(`{"namespace":"prod","desired_trus":3}`))
	require.NoError(t, err)

	var input models.ScheduledCapacityChangeInput
	require.NoError(t, json.Unmarshal(run.Input, &input))
	assert.Equal(t, 2*time.Minute, input.VerifyDelay.Std())
}

func TestSubmitKeepsExplicitVerifyDelay(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	input := models.ScheduledCapacityChangeInput{
		Namespace:   "prod",
		DesiredTRUs: 3,
		VerifyDelay: models.Duration(30 * time.Second),
	}

	raw, err := json.Marshal(input)
	require.NoError(t, err)

	run, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange, raw)
	require.NoError(t, err)

	var stored models.ScheduledCapacityChangeInput
	require.NoError(t, json.Unmarshal(run.Input, &stored))
	assert.Equal(t, 30*time.Second, stored.VerifyDelay.Std())
}

func TestSubmitReadsVerifyDelayAsSeconds(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	run, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange,
		json.RawMessage(`{"namespace":"prod","desired_trus":3,"verify_delay":120}`))
	require.NoError(t, err)

	var stored models.ScheduledCapacityChangeInput
	require.NoError(t, json.Unmarshal(run.Input, &stored))
	assert.Equal(t, 2*time.Minute, stored.VerifyDelay.Std())
}

func TestSubmitReadsVerifyDelayAsDurationString(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	run, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange,
		json.RawMessage(`{"namespace":"prod","desired_trus":3,"verify_delay":"90s"}`))
	require.NoError(t, err)

	var stored models.ScheduledCapacityChangeInput
	require.NoError(t, json.Unmarshal(run.Input, &stored))
	assert.Equal(t, 90*time.Second, stored.VerifyDelay.Std())
}

func TestSubmitRejectsMalformedVerifyDelay(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	_, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange,
		json.RawMessage(`{"namespace":"prod","desired_trus":3,"verify_delay":"soon"}`))

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestSubmitEmptyBulkInputIsValid(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	run, err := service.Submit(context.Background(), models.WorkflowTypeBulkAnalysis, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(run.Input))
}

func TestSubmitRejectsUnknownWorkflowType(t *testing.T) {
	service, _, bus := newServiceForTest(t)

	_, err := service.Submit(context.Background(), "mystery_workflow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownWorkflowType)
	assert.Empty(t, bus.published)
}

func TestSubmitRejectsMissingRequiredField(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	_, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange,
		json.RawMessage(`{"namespace":"prod"}`))
	require.Error(t, err)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, models.WorkflowTypeScheduledCapacityChange, validation.WorkflowType)
	assert.NotEmpty(t, validation.Details)
}

func TestSubmitRejectsUnknownProperties(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	_, err := service.Submit(context.Background(), models.WorkflowTypeBulkAnalysis,
		json.RawMessage(`{"namespaces":["typo"]}`))
	require.Error(t, err)

	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestSubmitRejectsMalformedEndTime(t *testing.T) {
	service, _, _ := newServiceForTest(t)

	_, err := service.Submit(context.Background(), models.WorkflowTypeScheduledCapacityChange,
		json.RawMessage(`{"namespace":"prod","desired_trus":3,"end_time":"tomorrow"}`))
	require.Error(t, err)

	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}
