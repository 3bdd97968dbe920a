package utils

import "github.com/valyala/fasthttp"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a non-cacheable JSON error document.
func WriteError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV("X-Request-ID", requestID)
	}

	data, err := Marshal(errorBody{Error: errorDetail{Code: code, Message: message}})
	if err != nil {
		ctx.SetBodyString(`{"error":{"code":"internal","message":"internal server error"}}`)
		return
	}
	ctx.SetBody(data)
}
