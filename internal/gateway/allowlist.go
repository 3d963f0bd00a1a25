package gateway

import (
	"fmt"
	"net/netip"
	"strings"
)

// Allowlist 回调来源 IP 白名单，沙箱模式下不校验
type Allowlist struct {
	prefixes []netip.Prefix
	sandbox  bool
}

func NewAllowlist(cidrs []string, sandbox bool) (*Allowlist, error) {
	a := &Allowlist{sandbox: sandbox}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("非法的白名单地址 %q: %w", c, err)
			}
			a.prefixes = append(a.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("非法的白名单网段 %q: %w", c, err)
		}
		a.prefixes = append(a.prefixes, p.Masked())
	}
	return a, nil
}

func (a *Allowlist) Allows(ip string) bool {
	if a.sandbox {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *Allowlist) check(ip string) error {
	if !a.Allows(ip) {
		return fmt.Errorf("%w: %s", ErrUntrustedSource, ip)
	}
	return nil
}
