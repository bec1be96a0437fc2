package orders

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// FunctionURLHandler serves the dispatcher behind an AWS Lambda Function URL.
type FunctionURLHandler struct {
	dispatcher *Dispatcher
	origin     string
}

// NewFunctionURLHandler adapts the dispatcher to Lambda Function URL events.
func NewFunctionURLHandler(dispatcher *Dispatcher, allowedOrigin string) *FunctionURLHandler {
	return &FunctionURLHandler{dispatcher: dispatcher, origin: allowedOrigin}
}

// Handle is the lambda.Start entry point.
func (h *FunctionURLHandler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	headers := corsHeaders(h.origin)
	if req.RequestContext.HTTP.Method == http.MethodOptions {
		return events.LambdaFunctionURLResponse{StatusCode: http.StatusOK, Headers: headers}, nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return respond(headers, http.StatusBadRequest, map[string]any{"error": "body is not valid base64"})
		}
		body = decoded
	}

	status, resp := h.dispatcher.Dispatch(ctx, body)
	return respond(headers, status, resp)
}

func respond(headers map[string]string, status int, body any) (events.LambdaFunctionURLResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return events.LambdaFunctionURLResponse{}, err
	}
	headers["Content-Type"] = "application/json"
	return events.LambdaFunctionURLResponse{StatusCode: status, Headers: headers, Body: string(raw)}, nil
}
