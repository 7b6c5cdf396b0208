package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"skytask/internal/errs"
)

// Response is the envelope of every JSON reply. Code is 0 on success and
// the HTTP status otherwise.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "success", Data: data})
}

func list[T any](c *gin.Context, items []T) {
	if items == nil {
		items = []T{}
	}
	ok(c, ListResponse[T]{Total: len(items), Items: items})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindExecutor:
		return http.StatusBadGateway
	case errs.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, Response{Code: status, Message: msg, Kind: errs.KindOf(err).String()})
}

func badRequest(c *gin.Context, msg string) {
	fail(c, errs.InvalidArgument("%s", msg))
}
