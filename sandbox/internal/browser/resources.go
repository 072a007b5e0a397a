package browser

import (
	"net/http"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// serveDocument answers Origin with html, 404s anything else under Origin,
// blocks the configured resource types and lets the rest (CDN modules,
// style engine) through.
func serveDocument(page *rod.Page, html string, blocked []string) (*rod.HijackRouter, error) {
	blockSet := make(map[string]bool, len(blocked))
	for _, t := range blocked {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		u := h.Request.URL()
		switch {
		case u.String() == Origin:
			h.Response.SetHeader("Content-Type", "text/html; charset=utf-8")
			h.Response.SetBody(html)
		case strings.HasPrefix(u.String(), Origin):
			h.Response.Payload().ResponseCode = http.StatusNotFound
			h.Response.SetBody("")
		case shouldBlock(blockSet, string(h.Request.Type())):
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		default:
			h.ContinueRequest(&proto.FetchContinueRequest{})
		}
	})
	if err != nil {
		return nil, err
	}
	go router.Run()
	return router, nil
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)

	switch lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[lower]
}
