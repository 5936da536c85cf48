package filter

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/xiaoxin/api-gateway/internal/pipeline"
)

// IPGuard rejects requests whose client IP is not on the whitelist. Entries
// are literal addresses or IPv4 CIDR blocks; IPv6 entries match by literal
// equality only. An empty whitelist rejects all traffic.
type IPGuard struct {
	Enabled   bool
	Whitelist []string
	Logger    *slog.Logger
}

// Name implements pipeline.Filter.
func (f *IPGuard) Name() string { return "security" }

// Run implements pipeline.Filter.
func (f *IPGuard) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !f.Enabled {
		return pipeline.Continue()
	}

	if !ipAllowed(ctx.ClientIP, f.Whitelist) {
		f.Logger.Warn("ip rejected",
			"client_ip", ctx.ClientIP,
			"request_id", ctx.RequestID,
		)
		return pipeline.Forbidden()
	}
	return pipeline.Continue()
}

func ipAllowed(clientIP string, whitelist []string) bool {
	if clientIP == "" || len(whitelist) == 0 {
		return false
	}
	for _, entry := range whitelist {
		if entry == clientIP {
			return true
		}
		if strings.Contains(entry, "/") && cidrMatch(clientIP, entry) {
			return true
		}
	}
	return false
}

// cidrMatch performs IPv4 CIDR matching with the numeric mask form
// prefix == 0 ? 0 : 0xFFFFFFFF << (32 - prefix).
func cidrMatch(clientIP, cidr string) bool {
	network, prefixStr, ok := strings.Cut(cidr, "/")
	if !ok {
		return false
	}
	prefix, err := strconv.Atoi(prefixStr)
	if err != nil || prefix < 0 || prefix > 32 {
		return false
	}

	clientBits, ok := ipv4ToUint32(clientIP)
	if !ok {
		return false
	}
	networkBits, ok := ipv4ToUint32(network)
	if !ok {
		return false
	}

	var mask uint32
	if prefix > 0 {
		mask = 0xFFFFFFFF << (32 - prefix)
	}
	return clientBits&mask == networkBits&mask
}

func ipv4ToUint32(addr string) (uint32, bool) {
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var result uint32
	for _, part := range parts {
		octet, err := strconv.Atoi(part)
		if err != nil || octet < 0 || octet > 255 {
			return 0, false
		}
		result = result<<8 | uint32(octet)
	}
	return result, true
}
