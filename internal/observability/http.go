package observability

import (
	"net"
	"net/http"
	"strings"
)

// RequestIdentity is what an upgrade request says about its client.
type RequestIdentity struct {
	DeviceID  string
	IP        string
	RequestID string
}

// IdentifyRequest reads identity headers. Browser websockets cannot set
// headers, so the device id may also come from the device_id query parameter.
func IdentifyRequest(r *http.Request) RequestIdentity {
	device := r.Header.Get("X-Device-ID")
	if device == "" {
		device = r.URL.Query().Get("device_id")
	}
	return RequestIdentity{
		DeviceID:  device,
		IP:        clientIP(r),
		RequestID: r.Header.Get("X-Request-ID"),
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
