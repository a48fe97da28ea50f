package feedbackv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "stressloop.v1.Feedback"

const (
	methodRegisterParticipant = "/" + ServiceName + "/RegisterParticipant"
	methodStartSession        = "/" + ServiceName + "/StartSession"
	methodSubmitStress        = "/" + ServiceName + "/SubmitStress"
	methodGetState            = "/" + ServiceName + "/GetState"
	methodLogTaskEvent        = "/" + ServiceName + "/LogTaskEvent"
	methodWatch               = "/" + ServiceName + "/Watch"
)

// FeedbackServer is the server API for the Feedback service.
type FeedbackServer interface {
	RegisterParticipant(context.Context, *RegisterRequest) (*RegisterResponse, error)
	StartSession(context.Context, *StartSessionRequest) (*StartSessionResponse, error)
	SubmitStress(context.Context, *StressRequest) (*StressResponse, error)
	GetState(context.Context, *StateRequest) (*StateResponse, error)
	LogTaskEvent(context.Context, *TaskEventRequest) (*TaskEventResponse, error)
	Watch(*WatchRequest, WatchServer) error
}

// WatchServer is the server side of the Watch stream.
type WatchServer interface {
	Send(*Update) error
	grpc.ServerStream
}

// UnimplementedFeedbackServer can be embedded to satisfy FeedbackServer.
type UnimplementedFeedbackServer struct{}

func (UnimplementedFeedbackServer) RegisterParticipant(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterParticipant not implemented")
}

func (UnimplementedFeedbackServer) StartSession(context.Context, *StartSessionRequest) (*StartSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method StartSession not implemented")
}

func (UnimplementedFeedbackServer) SubmitStress(context.Context, *StressRequest) (*StressResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitStress not implemented")
}

func (UnimplementedFeedbackServer) GetState(context.Context, *StateRequest) (*StateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetState not implemented")
}

func (UnimplementedFeedbackServer) LogTaskEvent(context.Context, *TaskEventRequest) (*TaskEventResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method LogTaskEvent not implemented")
}

func (UnimplementedFeedbackServer) Watch(*WatchRequest, WatchServer) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}

// RegisterFeedbackServer attaches srv to s.
func RegisterFeedbackServer(s grpc.ServiceRegistrar, srv FeedbackServer) {
	s.RegisterService(&FeedbackServiceDesc, srv)
}

// FeedbackServiceDesc describes the Feedback service for grpc.Server.
var FeedbackServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedbackServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterParticipant", Handler: unaryHandler(methodRegisterParticipant, FeedbackServer.RegisterParticipant)},
		{MethodName: "StartSession", Handler: unaryHandler(methodStartSession, FeedbackServer.StartSession)},
		{MethodName: "SubmitStress", Handler: unaryHandler(methodSubmitStress, FeedbackServer.SubmitStress)},
		{MethodName: "GetState", Handler: unaryHandler(methodGetState, FeedbackServer.GetState)},
		{MethodName: "LogTaskEvent", Handler: unaryHandler(methodLogTaskEvent, FeedbackServer.LogTaskEvent)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "stressloop/v1/feedback",
}

// unaryHandler adapts a typed FeedbackServer method to a grpc.MethodDesc handler.
func unaryHandler[Req, Resp any](fullMethod string, call func(FeedbackServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FeedbackServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(FeedbackServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedbackServer).Watch(in, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *Update) error {
	return x.ServerStream.SendMsg(m)
}
