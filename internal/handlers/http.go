// Package handlers provides executor.StepHandler implementations. The
// HTTP handler demonstrates the step-handler contract spec.md leaves as
// an external contract: resolve a step's inputs into an HTTP call and
// fold the response back into a WorkflowStep's results. Grounded on the
// teacher's use of resty for outbound calls in the invoker layer and
// mapstructure for decoding generic maps into typed requests.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n8n-work/taskcore/internal/coreerrors"
	"github.com/n8n-work/taskcore/internal/models"
)

// HTTPStepRequest is the shape WorkflowStep.Inputs must decode into for
// the HTTP handler to run a step.
type HTTPStepRequest struct {
	Method  string            `mapstructure:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	URL     string            `mapstructure:"url" validate:"required,url"`
	Headers map[string]string `mapstructure:"headers"`
	Body    interface{}       `mapstructure:"body"`
	// ResultPath, if set, extracts a single gjson path from the response
	// body into Results.value instead of storing the whole payload.
	ResultPath string `mapstructure:"result_path"`
	Retryable  *bool  `mapstructure:"retryable"`
}

// HTTPStepHandler executes a step by issuing a single HTTP request.
type HTTPStepHandler struct {
	client   *resty.Client
	validate *validator.Validate
}

func NewHTTPStepHandler(timeout time.Duration) *HTTPStepHandler {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0) // retries are the coordinator's job, not the handler's

	return &HTTPStepHandler{client: client, validate: validator.New()}
}

func (h *HTTPStepHandler) Execute(ctx context.Context, task models.Task, step models.WorkflowStep) (models.JSONMap, error) {
	var req HTTPStepRequest
	if err := mapstructure.Decode(map[string]interface{}(step.Inputs), &req); err != nil {
		return nil, &coreerrors.StepFailure{StepID: step.WorkflowStepID, Retryable: false, Cause: fmt.Errorf("decoding step inputs: %w", err)}
	}
	if err := h.validate.Struct(req); err != nil {
		return nil, &coreerrors.StepFailure{StepID: step.WorkflowStepID, Retryable: false, Cause: fmt.Errorf("validating step inputs: %w", err)}
	}

	r := h.client.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL)
	retryable := req.Retryable == nil || *req.Retryable
	if err != nil {
		return nil, &coreerrors.StepFailure{StepID: step.WorkflowStepID, Retryable: retryable, Cause: fmt.Errorf("request failed: %w", err)}
	}
	if resp.IsError() {
		return nil, &coreerrors.StepFailure{
			StepID:    step.WorkflowStepID,
			Retryable: retryable && resp.StatusCode() >= 500,
			Cause:     fmt.Errorf("response status %d", resp.StatusCode()),
		}
	}

	body := string(resp.Body())
	results := models.JSONMap{
		"status_code": resp.StatusCode(),
	}

	if req.ResultPath != "" {
		results["value"] = gjson.Get(body, req.ResultPath).Value()
	} else if gjson.Valid(body) {
		annotated, err := sjson.Set(body, "_status_code", resp.StatusCode())
		if err == nil {
			body = annotated
		}
		results["body"] = gjson.Parse(body).Value()
	} else {
		results["body"] = body
	}

	return results, nil
}
