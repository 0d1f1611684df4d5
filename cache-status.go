package netfirst

import "fmt"

const cacheStatusName = "NetFirst"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The cache could have answered, but the policy requires the request to be
	// forwarded (network first).
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

// CacheStatus builds the value of the `Cache-Status` response header (RFC 9211).
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheStatusName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
