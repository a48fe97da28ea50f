package feedbackv1

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stateOnlyServer struct {
	UnimplementedFeedbackServer
}

func (stateOnlyServer) GetState(_ context.Context, req *StateRequest) (*StateResponse, error) {
	return &StateResponse{ParticipantID: req.ParticipantID, Difficulty: 3}, nil
}

func lookupHandler(t *testing.T, name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	t.Helper()
	for _, m := range FeedbackServiceDesc.Methods {
		if m.MethodName == name {
			return m.Handler
		}
	}
	t.Fatalf("method %s not in service descriptor", name)
	return nil
}

func decodeJSON(raw string) func(any) error {
	return func(v any) error { return json.Unmarshal([]byte(raw), v) }
}

func TestUnaryHandlerDecodesAndDispatches(t *testing.T) {
	handler := lookupHandler(t, "GetState")

	out, err := handler(stateOnlyServer{}, context.Background(), decodeJSON(`{"participant_id":"P_1"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, ok := out.(*StateResponse)
	if !ok || resp.ParticipantID != "P_1" || resp.Difficulty != 3 {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestUnaryHandlerRunsInterceptor(t *testing.T) {
	handler := lookupHandler(t, "GetState")

	var seen string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return next(ctx, req)
	}
	if _, err := handler(stateOnlyServer{}, context.Background(), decodeJSON(`{"participant_id":"P_2"}`), interceptor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "/"+ServiceName+"/GetState" {
		t.Fatalf("interceptor saw %q", seen)
	}
}

func TestUnimplementedMethodsReportUnimplemented(t *testing.T) {
	handler := lookupHandler(t, "SubmitStress")

	_, err := handler(stateOnlyServer{}, context.Background(), decodeJSON(`{}`), nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected unimplemented, got %v", err)
	}
}
