package grpc

import (
	"fmt"
	"os"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// descriptorRegistry resolves service methods to protobuf descriptors.
// It is built once at startup and read-only afterwards.
type descriptorRegistry struct {
	services map[string]protoreflect.ServiceDescriptor // keyed by full service name
}

// newDescriptorRegistry registers the built-in storefront descriptors, then
// lets services found in descriptorSet (a FileDescriptorSet, optional) replace them.
func newDescriptorRegistry(descriptorSet string) (*descriptorRegistry, error) {
	reg := &descriptorRegistry{
		services: make(map[string]protoreflect.ServiceDescriptor),
	}

	builtin := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{productFile(), inventoryFile()},
	}
	if err := reg.addSet(builtin); err != nil {
		return nil, fmt.Errorf("built-in descriptors: %w", err)
	}

	if descriptorSet != "" {
		if err := reg.loadFile(descriptorSet); err != nil {
			return nil, fmt.Errorf("loading descriptor %s: %w", descriptorSet, err)
		}
	}
	return reg, nil
}

var builtinRegistry = sync.OnceValues(func() (*descriptorRegistry, error) {
	return newDescriptorRegistry("")
})

// MethodDescriptor returns the built-in descriptor of a unary storefront method.
func MethodDescriptor(service, method string) (protoreflect.MethodDescriptor, error) {
	reg, err := builtinRegistry()
	if err != nil {
		return nil, err
	}
	return reg.findMethod(service, method)
}

// loadFile loads a pre-compiled .pb descriptor set file.
func (r *descriptorRegistry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fds := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(data, fds); err != nil {
		return fmt.Errorf("unmarshal descriptor set: %w", err)
	}
	return r.addSet(fds)
}

func (r *descriptorRegistry) addSet(fds *descriptorpb.FileDescriptorSet) error {
	files, err := protodesc.NewFiles(fds)
	if err != nil {
		return err
	}
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		for i := 0; i < fd.Services().Len(); i++ {
			svc := fd.Services().Get(i)
			r.services[string(svc.FullName())] = svc
		}
		return true
	})
	return nil
}

// findMethod looks up a method descriptor by service and method name.
func (r *descriptorRegistry) findMethod(service, method string) (protoreflect.MethodDescriptor, error) {
	svc, ok := r.services[service]
	if !ok {
		return nil, fmt.Errorf("service %q not found in descriptors", service)
	}

	md := svc.Methods().ByName(protoreflect.Name(method))
	if md == nil {
		return nil, fmt.Errorf("method %q not found in service %q", method, service)
	}
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return nil, fmt.Errorf("method %s/%s is streaming; only unary calls are bridged", service, method)
	}
	return md, nil
}

const (
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeDouble = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	typeInt32  = descriptorpb.FieldDescriptorProto_TYPE_INT32
	typeBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	typeMsg    = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func scalar(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func repeated(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, num, typ)
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func unary(name, input, output string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(input),
		OutputType: proto.String(output),
	}
}

// Field numbers below are reconstructed. Deployments should load the real
// protos through grpc.descriptor_set.

// productFile mirrors product.proto of the product service.
func productFile() *descriptorpb.FileDescriptorProto {
	products := repeated("products", 1, typeMsg)
	products.TypeName = proto.String(".product.ProductResponse")

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("product/product.proto"),
		Package: proto.String("product"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("ProductResponse",
				scalar("id", 1, typeString),
				scalar("name", 2, typeString),
				scalar("description", 3, typeString),
				scalar("price", 4, typeDouble),
				scalar("stock", 5, typeInt32),
				scalar("category_id", 6, typeString),
				repeated("sizes", 7, typeString),
				repeated("colors", 8, typeString),
				repeated("images", 9, typeString),
			),
			message("GetProductRequest", scalar("id", 1, typeString)),
			message("ListProductsRequest",
				scalar("page", 1, typeInt32),
				scalar("limit", 2, typeInt32),
				scalar("category_id", 3, typeString),
			),
			message("ListProductsResponse",
				products,
				scalar("total_count", 2, typeInt32),
			),
			message("CreateProductRequest",
				scalar("name", 1, typeString),
				scalar("description", 2, typeString),
				scalar("price", 3, typeDouble),
				scalar("stock", 4, typeInt32),
				scalar("category_id", 5, typeString),
				repeated("sizes", 6, typeString),
				repeated("colors", 7, typeString),
				repeated("images", 8, typeString),
			),
			message("DeleteProductRequest", scalar("id", 1, typeString)),
			message("DeleteProductResponse", scalar("success", 1, typeBool)),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("ProductService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				unary("GetProduct", ".product.GetProductRequest", ".product.ProductResponse"),
				unary("ListProducts", ".product.ListProductsRequest", ".product.ListProductsResponse"),
				unary("CreateProduct", ".product.CreateProductRequest", ".product.ProductResponse"),
				unary("DeleteProduct", ".product.DeleteProductRequest", ".product.DeleteProductResponse"),
			},
		}},
	}
}

// inventoryFile mirrors inventory.proto of the inventory service.
func inventoryFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("inventory/inventory.proto"),
		Package: proto.String("inventory"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("GetStockRequest", scalar("product_id", 1, typeString)),
			message("GetStockResponse",
				scalar("product_id", 1, typeString),
				scalar("quantity", 2, typeInt32),
			),
			message("UpdateStockRequest",
				scalar("product_id", 1, typeString),
				scalar("quantity_change", 2, typeInt32),
			),
			message("UpdateStockResponse",
				scalar("success", 1, typeBool),
				scalar("new_quantity", 2, typeInt32),
				scalar("message", 3, typeString),
			),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("InventoryService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				unary("GetStock", ".inventory.GetStockRequest", ".inventory.GetStockResponse"),
				unary("UpdateStock", ".inventory.UpdateStockRequest", ".inventory.UpdateStockResponse"),
			},
		}},
	}
}
