// Package api
// Author: momentics <momentics@gmail.com>
//
// Transfer result codes reported by the engine.

package api

// ResultCode is the terminal status of a transfer.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultUnsupportedProtocol
	ResultURLMalformat
	ResultCouldntResolveHost
	ResultCouldntConnect
	ResultWeirdServerReply
	ResultPartialFile
	ResultWriteError
	ResultOutOfMemory
	ResultOperationTimedout
	ResultSendError
	ResultRecvError
	ResultSSLConnectError
	ResultSSLCertProblem
	ResultPeerFailedVerification
	ResultGotNothing
	ResultBadContentEncoding
	ResultResourceExhausted
	ResultAborted
)

var resultText = [...]string{
	ResultOK:                     "No error",
	ResultUnsupportedProtocol:    "Unsupported protocol",
	ResultURLMalformat:           "URL using bad/illegal format or missing URL",
	ResultCouldntResolveHost:     "Couldn't resolve host name",
	ResultCouldntConnect:         "Couldn't connect to server",
	ResultWeirdServerReply:       "Weird server reply",
	ResultPartialFile:            "Transferred a partial file",
	ResultWriteError:             "Failed writing received data to disk/application",
	ResultOutOfMemory:            "Out of memory",
	ResultOperationTimedout:      "Timeout was reached",
	ResultSendError:              "Failed sending data to the peer",
	ResultRecvError:              "Failure when receiving data from the peer",
	ResultSSLConnectError:        "SSL connect error",
	ResultSSLCertProblem:         "Problem with the local SSL certificate",
	ResultPeerFailedVerification: "SSL peer certificate or SSH remote key was not OK",
	ResultGotNothing:             "Server returned nothing (no headers, no data)",
	ResultBadContentEncoding:     "Unrecognized or bad HTTP Content or Transfer-Encoding",
	ResultResourceExhausted:      "Event loop resources exhausted",
	ResultAborted:                "Transfer aborted",
}

// String returns the human-readable description of the code.
func (c ResultCode) String() string {
	if c >= 0 && int(c) < len(resultText) {
		return resultText[c]
	}
	return "Unknown error"
}

// OK reports whether the code signals success.
func (c ResultCode) OK() bool { return c == ResultOK }
