package grpc

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

func specFor(t *testing.T, procedure string) *RpcCallSpec {
	t.Helper()
	for _, s := range DefaultSpecs() {
		if s.Procedure == procedure {
			return &s
		}
	}
	t.Fatalf("no default spec for %s", procedure)
	return nil
}

func TestBuildRequestJSON(t *testing.T) {
	tests := []struct {
		name      string
		procedure string
		target    string
		params    httprouter.Params
		body      string
		want      map[string]string // gjson path -> raw value
		absent    []string
	}{
		{
			name:      "path param",
			procedure: "GetProduct",
			target:    "/products/p-1",
			params:    httprouter.Params{{Key: "id", Value: "p-1"}},
			want:      map[string]string{"id": `"p-1"`},
		},
		{
			name:      "renamed path param",
			procedure: "GetStock",
			target:    "/inventory/p-2",
			params:    httprouter.Params{{Key: "productId", Value: "p-2"}},
			want:      map[string]string{"product_id": `"p-2"`},
			absent:    []string{"productId"},
		},
		{
			name:      "query defaults",
			procedure: "ListProducts",
			target:    "/products",
			want:      map[string]string{"page": "1", "limit": "10"},
		},
		{
			name:      "query values",
			procedure: "ListProducts",
			target:    "/products?page=2&limit=4",
			want:      map[string]string{"page": "2", "limit": "4"},
		},
		{
			name:      "negative query value kept",
			procedure: "ListProducts",
			target:    "/products?page=-1",
			want:      map[string]string{"page": "-1"},
		},
		{
			name:      "whole body",
			procedure: "CreateProduct",
			target:    "/products",
			body:      `{"name":"Mug","price":9.5,"sizes":["L"]}`,
			want:      map[string]string{"name": `"Mug"`, "price": "9.5", "sizes": `["L"]`},
		},
		{
			name:      "empty body",
			procedure: "CreateProduct",
			target:    "/products",
			want:      map[string]string{},
			absent:    []string{"name"},
		},
		{
			name:      "selected body fields",
			procedure: "UpdateStock",
			target:    "/inventory/stock",
			body:      `{"product_id":"p-3","quantity_change":-2,"note":"restock"}`,
			want:      map[string]string{"product_id": `"p-3"`, "quantity_change": "-2"},
			absent:    []string{"note"},
		},
		{
			name:      "selected body field missing",
			procedure: "UpdateStock",
			target:    "/inventory/stock",
			body:      `{"product_id":"p-3"}`,
			want:      map[string]string{"product_id": `"p-3"`},
			absent:    []string{"quantity_change"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := specFor(t, tt.procedure)
			r := httptest.NewRequest(spec.Method, tt.target, nil)
			got, err := buildRequestJSON(spec, tt.params, r, []byte(tt.body))
			if err != nil {
				t.Fatalf("buildRequestJSON: %v", err)
			}
			if !gjson.ValidBytes(got) {
				t.Fatalf("output is not JSON: %s", got)
			}
			for path, want := range tt.want {
				if v := gjson.GetBytes(got, path).Raw; v != want {
					t.Errorf("%s = %s, want %s", path, v, want)
				}
			}
			for _, path := range tt.absent {
				if gjson.GetBytes(got, path).Exists() {
					t.Errorf("%s present in %s", path, got)
				}
			}
		})
	}
}

func TestBuildRequestJSONInvalidBody(t *testing.T) {
	spec := specFor(t, "CreateProduct")
	r := httptest.NewRequest(http.MethodPost, "/products", nil)

	for _, body := range []string{`{"name":`, `"just a string"`, `[{"name":"x"}]`} {
		_, err := buildRequestJSON(spec, nil, r, []byte(body))
		if _, ok := err.(*errInvalidBody); !ok {
			t.Errorf("body %s: err = %v, want *errInvalidBody", body, err)
		}
	}
}

func TestBuildRequestJSONIgnoresBodyForReads(t *testing.T) {
	spec := specFor(t, "GetProduct")
	r := httptest.NewRequest(http.MethodGet, "/products/p-1", nil)
	got, err := buildRequestJSON(spec, httprouter.Params{{Key: "id", Value: "p-1"}}, r, []byte(`{"id":"other"`))
	if err != nil {
		t.Fatalf("buildRequestJSON: %v", err)
	}
	if id := gjson.GetBytes(got, "id").String(); id != "p-1" {
		t.Errorf("id = %q, want p-1", id)
	}
}

func TestDefaultSpecsResolve(t *testing.T) {
	reg, err := newDescriptorRegistry("")
	if err != nil {
		t.Fatalf("newDescriptorRegistry: %v", err)
	}
	for _, s := range DefaultSpecs() {
		md, err := reg.findMethod(s.Service, s.Procedure)
		if err != nil {
			t.Errorf("%s: %v", s, err)
			continue
		}
		for _, field := range s.BodyFields {
			if md.Input().Fields().ByName(protoreflect.Name(field)) == nil {
				t.Errorf("%s: body field %s not in %s", s, field, md.Input().FullName())
			}
		}
		for _, field := range s.PathParams {
			if md.Input().Fields().ByName(protoreflect.Name(field)) == nil {
				t.Errorf("%s: path field %s not in %s", s, field, md.Input().FullName())
			}
		}
	}
}

func TestFindMethodRejectsUnknown(t *testing.T) {
	reg, err := newDescriptorRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.findMethod("product.CatalogService", "GetProduct"); err == nil {
		t.Error("findMethod found an unknown service")
	}
	if _, err := reg.findMethod("inventory.InventoryService", "Reserve"); err == nil {
		t.Error("findMethod found an unknown method")
	}
}

func TestLoadDescriptorSetMissingFile(t *testing.T) {
	if _, err := newDescriptorRegistry(t.TempDir() + "/missing.pb"); err == nil {
		t.Error("newDescriptorRegistry accepted a missing descriptor set")
	}
}

func TestLoadDescriptorSetOverridesBuiltin(t *testing.T) {
	file := inventoryFile()
	file.Service[0].Method = append(file.Service[0].Method,
		unary("ReserveStock", ".inventory.UpdateStockRequest", ".inventory.UpdateStockResponse"))

	data, err := proto.Marshal(&descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{file}})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "inventory.pb")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := newDescriptorRegistry(path)
	if err != nil {
		t.Fatalf("newDescriptorRegistry: %v", err)
	}
	if _, err := reg.findMethod("inventory.InventoryService", "ReserveStock"); err != nil {
		t.Errorf("override method: %v", err)
	}
	if _, err := reg.findMethod("product.ProductService", "GetProduct"); err != nil {
		t.Errorf("built-in product service lost: %v", err)
	}
}
