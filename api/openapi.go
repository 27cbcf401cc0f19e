package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec 返回内嵌的 OpenAPI 文档
func OpenAPISpec() []byte {
	return openAPISpec
}

// Document OpenAPI 文档中用于校验的部分
type Document struct {
	OpenAPI string                            `yaml:"openapi"`
	Info    map[string]any                    `yaml:"info"`
	Paths   map[string]map[string]interface{} `yaml:"paths"`
}

// ParseSpec 解析内嵌文档
func ParseSpec() (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(openAPISpec, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi spec: %w", err)
	}
	return &doc, nil
}

// Operations 以 "METHOD /path" 形式列出所有操作
func (d *Document) Operations() []string {
	var ops []string
	for path, methods := range d.Paths {
		for method := range methods {
			if method == "parameters" {
				continue
			}
			ops = append(ops, fmt.Sprintf("%s %s", httpMethod(method), path))
		}
	}
	return ops
}

func httpMethod(m string) string {
	switch m {
	case "get":
		return http.MethodGet
	case "post":
		return http.MethodPost
	case "put":
		return http.MethodPut
	case "delete":
		return http.MethodDelete
	case "patch":
		return http.MethodPatch
	}
	return m
}

// Handler 输出 OpenAPI 文档
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openAPISpec)
	}
}
