package utils

import "github.com/valyala/fasthttp"

func setNoCache(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV("X-Request-ID", requestID)
	}
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	WriteError(ctx, fasthttp.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred")
}

func CreateUnauthorizedResponse(ctx *fasthttp.RequestCtx) {
	WriteError(ctx, fasthttp.StatusUnauthorized, "Unauthorized", "Authentication required")
}

func CreateBadGatewayResponse(ctx *fasthttp.RequestCtx) {
	WriteError(ctx, fasthttp.StatusBadGateway, "Bad Gateway", "The upstream could not be reached")
}

func WriteError(ctx *fasthttp.RequestCtx, status int, title, message string) {
	ctx.Response.Reset()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	setNoCache(ctx)

	body, err := Marshal(map[string]string{"error": title, "message": message})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error"}`)
		return
	}
	ctx.SetBody(body)
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := Marshal(data)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	setNoCache(ctx)
	ctx.SetBody(body)
}
