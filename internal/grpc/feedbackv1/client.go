package feedbackv1

import (
	"context"

	"google.golang.org/grpc"
)

// FeedbackClient is the client API for the Feedback service. Every call is
// sent with the JSON content subtype.
type FeedbackClient struct {
	cc grpc.ClientConnInterface
}

// NewFeedbackClient wraps cc.
func NewFeedbackClient(cc grpc.ClientConnInterface) *FeedbackClient {
	return &FeedbackClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FeedbackClient) RegisterParticipant(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return invoke[RegisterRequest, RegisterResponse](ctx, c.cc, methodRegisterParticipant, in, opts)
}

func (c *FeedbackClient) StartSession(ctx context.Context, in *StartSessionRequest, opts ...grpc.CallOption) (*StartSessionResponse, error) {
	return invoke[StartSessionRequest, StartSessionResponse](ctx, c.cc, methodStartSession, in, opts)
}

func (c *FeedbackClient) SubmitStress(ctx context.Context, in *StressRequest, opts ...grpc.CallOption) (*StressResponse, error) {
	return invoke[StressRequest, StressResponse](ctx, c.cc, methodSubmitStress, in, opts)
}

func (c *FeedbackClient) GetState(ctx context.Context, in *StateRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[StateRequest, StateResponse](ctx, c.cc, methodGetState, in, opts)
}

func (c *FeedbackClient) LogTaskEvent(ctx context.Context, in *TaskEventRequest, opts ...grpc.CallOption) (*TaskEventResponse, error) {
	return invoke[TaskEventRequest, TaskEventResponse](ctx, c.cc, methodLogTaskEvent, in, opts)
}

// WatchClient is the client side of the Watch stream.
type WatchClient interface {
	Recv() (*Update, error)
	grpc.ClientStream
}

// Watch opens a server stream of updates for one participant.
func (c *FeedbackClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &FeedbackServiceDesc.Streams[0], methodWatch, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &watchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watchClient struct {
	grpc.ClientStream
}

func (x *watchClient) Recv() (*Update, error) {
	m := new(Update)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
