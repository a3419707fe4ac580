// Package grpctest provides an in-process product and inventory service for
// exercising the bridge over a real gRPC connection.
package grpctest

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"

	bridge "github.com/eshop/gateway/internal/proxy/protocol/grpc"
)

// UnavailableID makes GetProduct fail with Unavailable and a message naming
// an internal host.
const UnavailableID = "unavailable"

// Call is one request received by the fake.
type Call struct {
	Method   string // /package.Service/Method
	Request  []byte // protojson with proto names and unpopulated fields
	Metadata metadata.MD
}

// Catalog is a fake product and inventory backend with in-memory state.
type Catalog struct {
	Addr string

	mu       sync.Mutex
	products map[string][]byte
	order    []string
	stock    map[string]int64
	calls    []Call
	delay    time.Duration
}

// Start runs a Catalog on a loopback port until the test ends.
func Start(t testing.TB) *Catalog {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := &Catalog{
		Addr:     lis.Addr().String(),
		products: make(map[string][]byte),
		stock:    make(map[string]int64),
	}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(c.handle))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return c
}

// SetDelay makes every call wait d before answering.
func (c *Catalog) SetDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

// Calls returns the calls received so far.
func (c *Catalog) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// LastCall returns the most recent call, or false if none arrived.
func (c *Catalog) LastCall() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return Call{}, false
	}
	return c.calls[len(c.calls)-1], true
}

func (c *Catalog) handle(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	service, method, _ := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	md, err := bridge.MethodDescriptor(service, method)
	if err != nil {
		return status.Error(codes.Unimplemented, err.Error())
	}

	in := dynamicpb.NewMessage(md.Input())
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}.Marshal(in)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	incoming, _ := metadata.FromIncomingContext(stream.Context())
	c.mu.Lock()
	c.calls = append(c.calls, Call{Method: full, Request: req, Metadata: incoming})
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		}
	}

	resp, err := c.call(method, req)
	if err != nil {
		return err
	}
	out := dynamicpb.NewMessage(md.Output())
	if err := protojson.Unmarshal(resp, out); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(out)
}

func (c *Catalog) call(method string, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch method {
	case "CreateProduct":
		id := uuid.NewString()
		p, err := sjson.SetBytes(req, "id", id)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		c.products[id] = p
		c.order = append(c.order, id)
		return p, nil

	case "GetProduct":
		id := gjson.GetBytes(req, "id").String()
		if id == UnavailableID {
			return nil, status.Error(codes.Unavailable, "dial tcp 10.0.0.7:5004: connect: connection refused")
		}
		p, ok := c.products[id]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "product %s not found", id)
		}
		return p, nil

	case "DeleteProduct":
		id := gjson.GetBytes(req, "id").String()
		if _, ok := c.products[id]; !ok {
			return nil, status.Errorf(codes.NotFound, "product %s not found", id)
		}
		delete(c.products, id)
		for i, o := range c.order {
			if o == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return []byte(`{"success":true}`), nil

	case "ListProducts":
		page := gjson.GetBytes(req, "page").Int()
		limit := gjson.GetBytes(req, "limit").Int()
		out := []byte(`{"products":[]}`)
		start := (page - 1) * limit
		for i := start; i >= 0 && i < start+limit && i < int64(len(c.order)); i++ {
			out, _ = sjson.SetRawBytes(out, "products.-1", c.products[c.order[i]])
		}
		out, _ = sjson.SetBytes(out, "total_count", len(c.order))
		return out, nil

	case "GetStock":
		id := gjson.GetBytes(req, "product_id").String()
		out, _ := sjson.SetBytes([]byte(`{}`), "product_id", id)
		out, _ = sjson.SetBytes(out, "quantity", c.stock[id])
		return out, nil

	case "UpdateStock":
		id := gjson.GetBytes(req, "product_id").String()
		c.stock[id] += gjson.GetBytes(req, "quantity_change").Int()
		out, _ := sjson.SetBytes([]byte(`{"success":true,"message":"stock updated"}`), "new_quantity", c.stock[id])
		return out, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}
