package grpc

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// QueryInt maps an integer query parameter onto a request field. Missing,
// unparsable or zero values fall back to Default.
type QueryInt struct {
	Param   string
	Field   string
	Default int
}

// RpcCallSpec describes how one REST endpoint maps onto a unary RPC.
type RpcCallSpec struct {
	Method    string // HTTP method
	Path      string // httprouter template, e.g. /products/:id
	Service   string // fully qualified, e.g. product.ProductService
	Procedure string // method name within Service

	PathParams map[string]string // path parameter -> request field
	QueryInts  []QueryInt
	BodyFields []string // request fields copied from the JSON body
	WholeBody  bool     // the JSON body is the request message
}

// FullMethod returns the gRPC method path, /package.Service/Method.
func (s RpcCallSpec) FullMethod() string {
	return "/" + s.Service + "/" + s.Procedure
}

func (s RpcCallSpec) readsBody() bool {
	return s.WholeBody || len(s.BodyFields) > 0
}

// DefaultSpecs is the storefront call table.
func DefaultSpecs() []RpcCallSpec {
	return []RpcCallSpec{
		{
			Method: http.MethodGet, Path: "/products",
			Service: "product.ProductService", Procedure: "ListProducts",
			QueryInts: []QueryInt{
				{Param: "page", Field: "page", Default: 1},
				{Param: "limit", Field: "limit", Default: 10},
			},
		},
		{
			Method: http.MethodGet, Path: "/products/:id",
			Service: "product.ProductService", Procedure: "GetProduct",
			PathParams: map[string]string{"id": "id"},
		},
		{
			Method: http.MethodPost, Path: "/products",
			Service: "product.ProductService", Procedure: "CreateProduct",
			WholeBody: true,
		},
		{
			Method: http.MethodDelete, Path: "/products/:id",
			Service: "product.ProductService", Procedure: "DeleteProduct",
			PathParams: map[string]string{"id": "id"},
		},
		{
			Method: http.MethodPost, Path: "/inventory/stock",
			Service: "inventory.InventoryService", Procedure: "UpdateStock",
			BodyFields: []string{"product_id", "quantity_change"},
		},
		{
			Method: http.MethodGet, Path: "/inventory/:productId",
			Service: "inventory.InventoryService", Procedure: "GetStock",
			PathParams: map[string]string{"productId": "product_id"},
		},
	}
}

// errInvalidBody marks request bodies that cannot form a request message.
type errInvalidBody struct{ reason string }

func (e *errInvalidBody) Error() string { return "invalid request body: " + e.reason }

// buildRequestJSON assembles the protojson input for spec from path
// parameters, query parameters, and the request body.
func buildRequestJSON(spec *RpcCallSpec, params httprouter.Params, r *http.Request, body []byte) ([]byte, error) {
	out := []byte("{}")
	var err error

	if spec.readsBody() && len(body) > 0 {
		if !gjson.ValidBytes(body) {
			return nil, &errInvalidBody{"malformed JSON"}
		}
		parsed := gjson.ParseBytes(body)
		if !parsed.IsObject() {
			return nil, &errInvalidBody{"JSON body must be an object"}
		}

		if spec.WholeBody {
			out = append([]byte(nil), body...)
		}
		for _, field := range spec.BodyFields {
			v := parsed.Get(gjson.Escape(field))
			if !v.Exists() {
				continue
			}
			if out, err = sjson.SetRawBytes(out, sjsonPath(field), []byte(v.Raw)); err != nil {
				return nil, err
			}
		}
	}

	for param, field := range spec.PathParams {
		if out, err = sjson.SetBytes(out, sjsonPath(field), params.ByName(param)); err != nil {
			return nil, err
		}
	}

	if len(spec.QueryInts) > 0 {
		query := r.URL.Query()
		for _, qi := range spec.QueryInts {
			v := qi.Default
			if n, perr := strconv.Atoi(query.Get(qi.Param)); perr == nil && n != 0 {
				v = n
			}
			if out, err = sjson.SetBytes(out, sjsonPath(qi.Field), v); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// sjsonPath escapes field so it is set as a single top-level key.
func sjsonPath(field string) string {
	return gjson.Escape(field)
}

func (s RpcCallSpec) String() string {
	return fmt.Sprintf("%s %s -> %s", s.Method, s.Path, s.FullMethod())
}
