package server

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Client is a typed ComputationService client.
//
// Errors carrying an orchestrator ErrorKind are converted back into the
// matching pkg/types sentinel, so errors.Is works across the wire.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out.AsMap(), nil
}

func (c *Client) jobCall(ctx context.Context, method string, req map[string]interface{}) (types.Job, error) {
	resp, err := c.invoke(ctx, method, req)
	if err != nil {
		return types.Job{}, err
	}
	return decodeJob(resp["job"])
}

// CreateJob allocates a job for the given network configuration.
func (c *Client) CreateJob(ctx context.Context, configID string) (types.Job, error) {
	return c.jobCall(ctx, "CreateJob", map[string]interface{}{"netconfigId": configID})
}

// SubmitComputation submits parameters for a created job.
func (c *Client) SubmitComputation(ctx context.Context, id types.JobID, params map[string]interface{}) (types.Job, error) {
	return c.jobCall(ctx, "SubmitComputation", map[string]interface{}{
		"jobId":      string(id),
		"parameters": params,
	})
}

// GetJob polls a job.
func (c *Client) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, "GetJob", map[string]interface{}{"jobId": string(id)})
}

// CloseJob requests a close.
func (c *Client) CloseJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, "CloseJob", map[string]interface{}{"jobId": string(id)})
}

// ListDatasets lists catalog datasets.
func (c *Client) ListDatasets(ctx context.Context, filter catalog.Filter) ([]catalog.Dataset, error) {
	req := map[string]interface{}{"prefix": filter.NamePrefix}
	if filter.OwnerID != nil {
		req["ownerId"] = *filter.OwnerID
	}
	resp, err := c.invoke(ctx, "ListDatasets", req)
	if err != nil {
		return nil, err
	}
	var out []catalog.Dataset
	if err := fromValue(resp["datasets"], &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListHeaders lists the column headers of one dataset.
func (c *Client) ListHeaders(ctx context.Context, ref catalog.DatasetRef) ([]string, error) {
	resp, err := c.invoke(ctx, "ListHeaders", map[string]interface{}{
		"ownerId": ref.OwnerID,
		"name":    ref.Name,
	})
	if err != nil {
		return nil, err
	}
	raw, _ := resp["headers"].([]interface{})
	headers := make([]string, 0, len(raw))
	for _, h := range raw {
		if s, ok := h.(string); ok {
			headers = append(headers, s)
		}
	}
	return headers, nil
}

// EventStream receives events from a Subscribe call.
type EventStream struct {
	stream grpc.ClientStream
	// Job is the job as it was when the subscription started.
	Job types.Job
}

// Subscribe opens an event stream for id. The returned stream already holds
// the initial job snapshot.
func (c *Client) Subscribe(ctx context.Context, id types.JobID) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Subscribe")
	if err != nil {
		return nil, fromStatus(err)
	}
	in, err := structpb.NewStruct(map[string]interface{}{"jobId": string(id)})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		return nil, fromStatus(err)
	}
	job, err := decodeJob(first.AsMap()["job"])
	if err != nil {
		return nil, err
	}
	return &EventStream{stream: stream, Job: job}, nil
}

// Recv returns the next event, or io.EOF once the server ends the stream.
func (s *EventStream) Recv() (types.Event, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return types.Event{}, io.EOF
		}
		return types.Event{}, fromStatus(err)
	}
	var ev types.Event
	if err := fromValue(msg.AsMap(), &ev); err != nil {
		return types.Event{}, err
	}
	return ev, nil
}

func decodeJob(v interface{}) (types.Job, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return types.Job{}, errors.New("response carries no job")
	}
	var job types.Job
	if err := fromValue(m, &job); err != nil {
		return types.Job{}, err
	}
	return job, nil
}
