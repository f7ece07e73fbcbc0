package helper

import (
	"github.com/songquanpeng/metering-proxy/common/random"
)

// RequestIdKey is both the context key and the response header carrying the request id.
const RequestIdKey = "X-Request-Id"

// GenRequestID generates a sortable per-request identifier (timestamp prefix plus random digits).
func GenRequestID() string {
	return GetTimeString() + random.GetRandomNumberString(8)
}
