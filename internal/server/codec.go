package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/controller"
	"github.com/ChuLiYu/mpc-orchestrator/internal/notify"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// errorDomain tags ErrorInfo details attached to gRPC statuses.
const errorDomain = "mpc-orchestrator"

// Orchestrator is the subset of the controller the transports drive.
type Orchestrator interface {
	CreateJob(ctx context.Context, configID string) (types.Job, error)
	SubmitComputation(ctx context.Context, id types.JobID, params map[string]interface{}) (types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (types.Job, error)
	CloseJob(ctx context.Context, id types.JobID) (types.Job, error)
	Subscribe(ctx context.Context, id types.JobID, sub notify.SubscriberID) (notify.Subscription, types.Job, error)
	Unsubscribe(id types.JobID, sub notify.SubscriberID) bool
	Detach(id types.JobID, sub notify.SubscriberID) bool
	ListDatasets(ctx context.Context, filter catalog.Filter) ([]catalog.Dataset, error)
	ListHeaders(ctx context.Context, ref catalog.DatasetRef) ([]string, error)
}

var _ Orchestrator = (*controller.Controller)(nil)

// toMap converts any JSON-tagged value into a generic map.
func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromValue decodes a generic JSON-shaped value into out.
func fromValue(v interface{}, out interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	m, err := toMap(v)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// eventName maps an event kind onto the /analyst push event name.
func eventName(kind types.EventKind) string {
	switch kind {
	case types.EventCompileCompleted:
		return "compilePhaseCompleted"
	case types.EventOfflineCompleted:
		return "offlinePhaseCompleted"
	case types.EventPreprocessingCompleted:
		return "preprocessingPhaseCompleted"
	case types.EventOnlineCompleted:
		return "onlinePhaseCompleted"
	case types.EventPostprocessingCompleted:
		return "postprocessingPhaseCompleted"
	case types.EventResultAvailable:
		return "resultPhaseCompleted"
	case types.EventFailed:
		return "computationFailed"
	default:
		return string(kind)
	}
}

// eventPayload is the body pushed to analyst connections for ev.
func eventPayload(ev types.Event) map[string]interface{} {
	data := map[string]interface{}{
		"ucid":  string(ev.JobID),
		"seq":   ev.Seq,
		"phase": string(ev.Phase),
	}
	switch ev.Kind {
	case types.EventResultAvailable:
		data["result"] = ev.ResultLocator
	case types.EventFailed:
		data["error"] = ev.Error
		data["kind"] = string(ev.ErrorKind)
		if ev.ExecutorKind != "" {
			data["executorKind"] = string(ev.ExecutorKind)
		}
	default:
		data["timings"] = ev.ElapsedMs
	}
	return data
}

// ============================================================================
// Error mapping
// ============================================================================

func grpcCode(kind types.ErrorKind) codes.Code {
	switch kind {
	case types.KindConfigurationInvalid, types.KindValidationFailed:
		return codes.InvalidArgument
	case types.KindNotFound:
		return codes.NotFound
	case types.KindInvalidTransition:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus converts a controller error into a gRPC status error carrying the
// ErrorKind as an ErrorInfo reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, controller.ErrStopped) {
		return status.Error(codes.Unavailable, err.Error())
	}
	kind := types.KindOf(err)
	st := status.New(grpcCode(kind), err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(kind), Domain: errorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

var kindErrors = map[types.ErrorKind]error{
	types.KindConfigurationInvalid: types.ErrConfigurationInvalid,
	types.KindNotFound:             types.ErrNotFound,
	types.KindInvalidTransition:    types.ErrInvalidTransition,
	types.KindValidationFailed:     types.ErrValidationFailed,
	types.KindExecutorFailure:      types.ErrExecutorFailure,
}

// fromStatus restores the sentinel error behind a gRPC status so callers can
// keep using errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != errorDomain {
			continue
		}
		if sentinel, ok := kindErrors[types.ErrorKind(info.Reason)]; ok {
			return fmt.Errorf("%w: %s", sentinel, st.Message())
		}
	}
	return err
}

// wireError is the error body returned over HTTP and WebSocket.
type wireError struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

func newWireError(err error) *wireError {
	if errors.Is(err, controller.ErrStopped) {
		return &wireError{Kind: types.KindInternal, Message: err.Error()}
	}
	return &wireError{Kind: types.KindOf(err), Message: err.Error()}
}
