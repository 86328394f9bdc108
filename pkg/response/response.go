// Package response 统一的 Gin JSON 响应格式
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body 响应体。成功时 Code 为 0。
type Body struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Success 200 成功响应
func Success(c *gin.Context, data any) {
	SuccessWithStatus(c, http.StatusOK, data)
}

// SuccessWithStatus 指定状态码的成功响应，例如 202
func SuccessWithStatus(c *gin.Context, status int, data any) {
	c.JSON(status, Body{
		Code:      0,
		Message:   "success",
		Data:      data,
		RequestID: c.GetString("request_id"),
	})
}

// ErrorWithStatus 错误响应
func ErrorWithStatus(c *gin.Context, status int, message, detail string) {
	ErrorWithCode(c, status, "", message, detail)
}

// ErrorWithCode 带机器可读错误码的错误响应，用于区分同一 HTTP 状态下的不同错误
func ErrorWithCode(c *gin.Context, status int, errorCode, message, detail string) {
	c.AbortWithStatusJSON(status, Body{
		Code:      status,
		Message:   message,
		ErrorCode: errorCode,
		Detail:    detail,
		RequestID: c.GetString("request_id"),
	})
}
