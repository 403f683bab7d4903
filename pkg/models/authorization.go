package models

// AuthorizationRequest is an inbound OAuth 2.0 authorization request for a
// deployed service. It is validated and discarded, never persisted.
type AuthorizationRequest struct {
	ClientID            string `json:"client_id" form:"client_id" query:"client_id"`
	RedirectURI         string `json:"redirect_uri" form:"redirect_uri" query:"redirect_uri"`
	ResponseType        string `json:"response_type" form:"response_type" query:"response_type"`
	Scope               string `json:"scope,omitempty" form:"scope" query:"scope"`
	State               string `json:"state,omitempty" form:"state" query:"state"`
	CodeChallenge       string `json:"code_challenge" form:"code_challenge" query:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method" form:"code_challenge_method" query:"code_challenge_method"`
}

// AuthorizationGrant is what the backend binds an issued code to.
type AuthorizationGrant struct {
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id"`
	RedirectURI   string `json:"redirect_uri"`
	Scope         string `json:"scope,omitempty"`
	CodeChallenge string `json:"code_challenge"`
	ServerID      string `json:"server_id"`
}
