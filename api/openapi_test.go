package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/api"
	"github.com/BaSui01/flowguard/api/handlers"
	"github.com/BaSui01/flowguard/workflow"
)

func TestParseSpec(t *testing.T) {
	doc, err := api.ParseSpec()
	require.NoError(t, err)
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Operations(), "POST /api/v1/workflows/{id}/execute")
	assert.Contains(t, doc.Operations(), "PUT /api/v1/degradation/{service}")
}

// 文档中的每个 /api/v1 操作都必须有对应路由
func TestSpecMatchesRoutes(t *testing.T) {
	doc, err := api.ParseSpec()
	require.NoError(t, err)

	engine := workflow.NewEngine(workflow.NewMemoryStore(), nil)
	mux := http.NewServeMux()
	handlers.NewWorkflowHandler(engine, nil, nil, zap.NewNop()).Register(mux)
	handlers.NewEventsHandler(engine, workflow.NewEventBus(nil), nil, zap.NewNop()).Register(mux)

	replacer := strings.NewReplacer("{id}", "x", "{service}", "payments")
	for _, op := range doc.Operations() {
		method, path, _ := strings.Cut(op, " ")
		if !strings.HasPrefix(path, "/api/v1/") {
			continue
		}
		r := httptest.NewRequest(method, replacer.Replace(path), nil)
		_, pattern := mux.Handler(r)
		assert.NotEmpty(t, pattern, "no route for %s", op)
	}
}

func TestHandlerServesSpec(t *testing.T) {
	w := httptest.NewRecorder()
	api.Handler()(w, httptest.NewRequest(http.MethodGet, "/api/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Equal(t, api.OpenAPISpec(), w.Body.Bytes())
}
