package data

import "time"

// Action is the verdict the admission pipeline reaches for a request
type Action string

const (
	// ActionAllow passes the request through to the upstream
	ActionAllow Action = "allow"
	// ActionChallenge diverts the request to the challenge page
	ActionChallenge Action = "challenge"
	// ActionError means the request could not be processed at all
	ActionError Action = "error"
)

// Decision is the result of running one request through the admission pipeline
type Decision struct {
	Action         Action    `json:"action"`
	IP             string    `json:"ip"`
	ASN            uint32    `json:"asn,omitempty"`
	Organization   string    `json:"organization,omitempty"`
	Reason         string    `json:"reason"`
	RedirectTarget string    `json:"redirect_target,omitempty"`
	ChallengeID    string    `json:"challenge_id,omitempty"`
	Question       string    `json:"question,omitempty"`
	Time           time.Time `json:"time"`
}

// VerifyResult is the outcome of a challenge verification attempt
type VerifyResult struct {
	Success        bool   `json:"success"`
	RedirectTarget string `json:"redirect_target"`
}

// DecisionMessage is published on the event bus for every non-allow decision
type DecisionMessage struct {
	Decision
	Hostname string `json:"hostname,omitempty"`
}
