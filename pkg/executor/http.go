package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gateflow/gateflow/pkg/models"
)

var (
	// ErrHTTPHostInvalid is returned when the step config carries no host.
	ErrHTTPHostInvalid = errors.New("missing or invalid 'host' in step config")
	// ErrHTTPServerError is returned on a 5xx response; it is transient.
	ErrHTTPServerError = errors.New("server error during HTTP request")
)

// HTTPInvoker calls an external HTTP endpoint for an automated step. Network
// failures and 5xx responses are transient; 4xx responses are permanent.
type HTTPInvoker struct {
	Method   string
	Protocol string
	Host     string
	Path     string
	Headers  map[string]string
	Body     string

	client *http.Client
}

func NewHTTPInvoker(config map[string]any) (*HTTPInvoker, error) {
	host, ok := config["host"].(string)
	if !ok || host == "" {
		return nil, ErrHTTPHostInvalid
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	protocol, _ := config["protocol"].(string)
	if protocol == "" {
		protocol = "http"
	}

	path, _ := config["path"].(string)
	if path == "" {
		path = "/"
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	return &HTTPInvoker{
		Method:   strings.ToUpper(method),
		Protocol: protocol,
		Host:     host,
		Path:     path,
		Headers:  headers,
		Body:     body,
		client:   &http.Client{},
	}, nil
}

func (i *HTTPInvoker) Invoke(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition) (map[string]any, error) {
	var bodyReader io.Reader
	if i.Body != "" {
		bodyReader = strings.NewReader(i.Body)
	}

	url := fmt.Sprintf("%s://%s%s", i.Protocol, i.Host, i.Path)

	req, err := http.NewRequestWithContext(ctx, i.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("X-Instance-ID", instance.ID)
	req.Header.Set("X-Step-ID", step.ID)

	for key, value := range i.Headers {
		req.Header.Set(key, value)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("http request failed: %w", err))
	}

	return i.processResponse(resp)
}

func (i *HTTPInvoker) processResponse(resp *http.Response) (map[string]any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, Transient(fmt.Errorf("%w: status %d", ErrHTTPServerError, resp.StatusCode))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("request rejected with status %d", resp.StatusCode)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
	}, nil
}
