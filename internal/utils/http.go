package utils

import (
	"net/http"
	"strings"

	"github.com/realclientip/realclientip-go"
)

// RealIPExtractor resolves the client address of a request behind trusted
// proxies.
type RealIPExtractor struct {
	strategy realclientip.RightmostTrustedRangeStrategy
}

func NewRealIPExtractor(trustedRanges []string) (*RealIPExtractor, error) {
	ipNets, err := realclientip.AddressesAndRangesToIPNets(trustedRanges...)
	if err != nil {
		return nil, err
	}
	strategy, err := realclientip.NewRightmostTrustedRangeStrategy("X-Forwarded-For", ipNets)
	if err != nil {
		return nil, err
	}
	return &RealIPExtractor{strategy: strategy}, nil
}

var remoteAddrStrategy = realclientip.RemoteAddrStrategy{}

// Extract returns the rightmost untrusted address of the X-Forwarded-For
// chain extended with RemoteAddr, or RemoteAddr when there is no chain.
func (e *RealIPExtractor) Extract(r *http.Request) string {
	remoteAddr := remoteAddrStrategy.ClientIP(nil, r.RemoteAddr)
	forwarded := r.Header.Get("X-Forwarded-For")
	if remoteAddr == "" || forwarded == "" {
		return remoteAddr
	}

	headers := r.Header.Clone()
	headers.Set("X-Forwarded-For", strings.Join([]string{forwarded, remoteAddr}, ", "))
	if ip := e.strategy.ClientIP(headers, ""); ip != "" {
		return ip
	}
	return remoteAddr
}
