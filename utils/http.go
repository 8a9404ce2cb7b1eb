package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by the balance oracle and the transfer client. The
// timeout bounds every external call so a stuck provider surfaces as a typed
// failure instead of a hung transition.
var HTTPClient = &http.Client{
	Timeout: 15 * time.Second,
}
