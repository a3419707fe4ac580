package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/eshop/gateway/internal/errors"
)

// errInvalidMessage marks JSON that does not fit the request message.
type errInvalidMessage struct{ err error }

func (e *errInvalidMessage) Error() string { return "invalid request message: " + e.err.Error() }
func (e *errInvalidMessage) Unwrap() error { return e.err }

// invoker handles dynamic gRPC invocation.
type invoker struct {
	marshalOpts   protojson.MarshalOptions
	unmarshalOpts protojson.UnmarshalOptions
}

func newInvoker() *invoker {
	return &invoker{
		marshalOpts: protojson.MarshalOptions{
			EmitUnpopulated: true,
			UseProtoNames:   true,
		},
		unmarshalOpts: protojson.UnmarshalOptions{
			DiscardUnknown: true,
		},
	}
}

// invokeUnary performs a unary RPC call with a JSON request and returns the
// JSON response. A response that cannot be rendered as JSON is an internal
// fault, not an RPC status.
func (inv *invoker) invokeUnary(
	ctx context.Context,
	conn grpc.ClientConnInterface,
	md protoreflect.MethodDescriptor,
	jsonBody []byte,
	opts ...grpc.CallOption,
) ([]byte, error) {
	inputMsg := dynamicpb.NewMessage(md.Input())
	if len(jsonBody) > 0 {
		if err := inv.unmarshalOpts.Unmarshal(jsonBody, inputMsg); err != nil {
			return nil, &errInvalidMessage{err}
		}
	}

	outputMsg := dynamicpb.NewMessage(md.Output())

	// /package.Service/Method
	fullMethod := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
	if err := conn.Invoke(ctx, fullMethod, inputMsg, outputMsg, opts...); err != nil {
		return nil, err
	}

	jsonResp, err := inv.marshalOpts.Marshal(outputMsg)
	if err != nil {
		return nil, errors.ErrInternalServer.WithCause(fmt.Errorf("marshal %s response: %w", md.Output().FullName(), err))
	}
	return jsonResp, nil
}
