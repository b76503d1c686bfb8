// Package gateway exposes the account service as an API Gateway proxy
// handler.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pedro-hbl/gopher-ledger/internal/account"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const walletPrefix = "/wallet/"

// Response is the JSON body of every non-export route
type Response struct {
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

type addUserRequest struct {
	Username string `json:"username"`
}

type amountRequest struct {
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	FromUser string          `json:"fromUser"`
	ToUser   string          `json:"toUser"`
	Amount   decimal.Decimal `json:"amount"`
}

// Handler routes API Gateway requests to an account.Service
type Handler struct {
	svc    *account.Service
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *account.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Handle implements the Lambda entry point. Failures are reported in the
// response; the returned error is always nil so API Gateway never sees a 502.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := strings.TrimSuffix(req.Path, "/")
	if path == "" {
		path = "/"
	}
	h.logger.DebugContext(ctx, "request", slog.String("method", req.HTTPMethod), slog.String("path", path))

	switch {
	case path == "/addUser":
		return h.post(ctx, req, h.addUser)
	case path == "/deposit":
		return h.post(ctx, req, h.deposit)
	case path == "/transfer":
		return h.post(ctx, req, h.transfer)
	case path == "/addToWallet":
		return h.post(ctx, req, h.addToWallet)
	case strings.HasPrefix(path, walletPrefix):
		return h.get(ctx, req, func(ctx context.Context) events.APIGatewayProxyResponse {
			return h.wallet(ctx, walletUsername(req, path))
		})
	case path == "/users":
		return h.get(ctx, req, h.users)
	case path == "/currencyData":
		return h.get(ctx, req, h.currencyData)
	case path == "/transactions":
		return h.get(ctx, req, h.transactions)
	case path == "/metrics":
		return h.get(ctx, req, h.metrics)
	}
	return jsonResponse(http.StatusNotFound, Response{Message: "Not found"}), nil
}

func (h *Handler) post(ctx context.Context, req events.APIGatewayProxyRequest, fn func(context.Context, []byte) events.APIGatewayProxyResponse) (events.APIGatewayProxyResponse, error) {
	if req.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, Response{Message: "Method not allowed"}), nil
	}
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, Response{Message: "Invalid request body."}), nil
		}
		body = decoded
	}
	return fn(ctx, body), nil
}

func (h *Handler) get(ctx context.Context, req events.APIGatewayProxyRequest, fn func(context.Context) events.APIGatewayProxyResponse) (events.APIGatewayProxyResponse, error) {
	if req.HTTPMethod != http.MethodGet {
		return jsonResponse(http.StatusMethodNotAllowed, Response{Message: "Method not allowed"}), nil
	}
	return fn(ctx), nil
}

func (h *Handler) addUser(ctx context.Context, body []byte) events.APIGatewayProxyResponse {
	var in addUserRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return badBody()
	}
	if _, err := h.svc.CreateAccount(ctx, in.Username); err != nil {
		return h.failure(ctx, err, "User not found!")
	}
	return jsonResponse(http.StatusOK, Response{Success: true, Message: "User added successfully!"})
}

func (h *Handler) deposit(ctx context.Context, body []byte) events.APIGatewayProxyResponse {
	var in amountRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return badBody()
	}
	if err := h.svc.Deposit(ctx, in.Username, in.Amount); err != nil {
		return h.failure(ctx, err, "User not found!")
	}
	return jsonResponse(http.StatusOK, Response{Success: true})
}

func (h *Handler) transfer(ctx context.Context, body []byte) events.APIGatewayProxyResponse {
	var in transferRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return badBody()
	}
	if err := h.svc.Transfer(ctx, in.FromUser, in.ToUser, in.Amount); err != nil {
		return h.failure(ctx, err, "User(s) not found!")
	}
	return jsonResponse(http.StatusOK, Response{Success: true})
}

func (h *Handler) addToWallet(ctx context.Context, body []byte) events.APIGatewayProxyResponse {
	var in amountRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return badBody()
	}
	if err := h.svc.AddToWallet(ctx, in.Username, in.Amount); err != nil {
		return h.failure(ctx, err, "User not found!")
	}
	return jsonResponse(http.StatusOK, Response{Success: true})
}

func (h *Handler) wallet(ctx context.Context, username string) events.APIGatewayProxyResponse {
	balance, err := h.svc.WalletBalance(ctx, username)
	if err != nil {
		return h.failure(ctx, err, "User not found!")
	}
	return jsonResponse(http.StatusOK, Response{Success: true, Balance: &balance})
}

func (h *Handler) users(ctx context.Context) events.APIGatewayProxyResponse {
	accounts, err := h.svc.ListAccounts(ctx)
	if err != nil {
		return h.failure(ctx, err, "")
	}
	if accounts == nil {
		accounts = []ledger.Account{}
	}
	return jsonResponse(http.StatusOK, accounts)
}

func (h *Handler) currencyData(ctx context.Context) events.APIGatewayProxyResponse {
	data, err := h.svc.ExportLedger(ctx)
	if err != nil {
		return h.failure(ctx, err, "")
	}
	return rawResponse("application/json", data)
}

func (h *Handler) transactions(ctx context.Context) events.APIGatewayProxyResponse {
	data, err := h.svc.ExportTransactions(ctx)
	if err != nil {
		return h.failure(ctx, err, "")
	}
	return rawResponse("text/plain; charset=utf-8", data)
}

func (h *Handler) metrics(ctx context.Context) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, h.svc.Metrics().Summary())
}

// failure maps a service error to its status and client message.
func (h *Handler) failure(ctx context.Context, err error, notFoundMessage string) events.APIGatewayProxyResponse {
	status, message := classify(err, notFoundMessage)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", slog.Any("error", err))
	}
	return jsonResponse(status, Response{Message: message})
}

func classify(err error, notFoundMessage string) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrDuplicateUser):
		return http.StatusBadRequest, "User already exists!"
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, notFoundMessage
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, "Insufficient funds!"
	case errors.Is(err, ledger.ErrWalletCapExceeded):
		return http.StatusBadRequest, "Monthly limit of 100 exceeded!"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "Invalid amount!"
	case errors.Is(err, ledger.ErrInvalidUsername):
		return http.StatusBadRequest, "Invalid username!"
	case errors.Is(err, ledger.ErrStorageConflict):
		return http.StatusConflict, "Ledger is busy, please retry."
	case errors.Is(err, ledger.ErrStorageCorrupt):
		return http.StatusInternalServerError, "Invalid data format in file."
	default:
		return http.StatusInternalServerError, "Error reading data file."
	}
}

func walletUsername(req events.APIGatewayProxyRequest, path string) string {
	if username, ok := req.PathParameters["username"]; ok {
		return username
	}
	return strings.TrimPrefix(path, walletPrefix)
}

func badBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, Response{Message: "Invalid request body."})
}

func jsonResponse(status int, body interface{}) events.APIGatewayProxyResponse {
	data, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"success":false,"message":"Internal Server Error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}

func rawResponse(contentType string, data []byte) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": contentType},
		Body:       string(data),
	}
}
