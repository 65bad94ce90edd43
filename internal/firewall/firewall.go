package firewall

import (
	"sync"

	"paidcall/pkg/utils"

	"github.com/rs/zerolog/log"
)

const DefaultThreshold = 5

// Firewall locks out client IPs after repeated failed authentications
// at the connection edge.
type Firewall struct {
	mu          sync.RWMutex
	threshold   int
	blacklisted map[string]bool
	failedAuths map[string]int
}

func NewFirewall(threshold int) *Firewall {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Firewall{
		threshold:   threshold,
		blacklisted: make(map[string]bool),
		failedAuths: make(map[string]int),
	}
}

func (f *Firewall) IsAllowed(ip string) bool {
	f.mu.RLock()
	blocked := f.blacklisted[ip]
	f.mu.RUnlock()
	if blocked {
		utils.FirewallBlocks.Inc()
	}
	return !blocked
}

func (f *Firewall) RecordFailedAuth(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failedAuths[ip]++
	if f.failedAuths[ip] >= f.threshold && !f.blacklisted[ip] {
		f.blacklisted[ip] = true
		log.Warn().Str("ip", ip).Int("attempts", f.failedAuths[ip]).Msg("IP blocked after failed authentications")
	}
}

// RecordSuccess clears the failure count of an IP that has not been blocked yet.
func (f *Firewall) RecordSuccess(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.blacklisted[ip] {
		delete(f.failedAuths, ip)
	}
}

func (f *Firewall) Unblock(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blacklisted, ip)
	delete(f.failedAuths, ip)
}

func (f *Firewall) GetBlacklist() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := make([]string, 0, len(f.blacklisted))
	for ip := range f.blacklisted {
		list = append(list, ip)
	}
	return list
}
