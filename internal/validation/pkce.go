package validation

import (
	"github.com/providentiaww/identity-server/internal/oauth"
)

// ValidateCodeChallenge checks the PKCE parameters of an authorize request and
// returns the effective method. An omitted method means plain.
func ValidateCodeChallenge(client *oauth.Client, challenge, method string, limits oauth.InputLengthRestrictions) (string, *oauth.Error) {
	if challenge == "" {
		if client.RequirePkce {
			return "", oauth.InvalidRequest("code challenge required")
		}
		return "", nil
	}
	if method == "" {
		method = oauth.CodeChallengeMethodPlain
	}
	if method != oauth.CodeChallengeMethodPlain && method != oauth.CodeChallengeMethodSHA256 {
		return "", oauth.InvalidRequest("transform algorithm not supported")
	}
	if method == oauth.CodeChallengeMethodPlain && !client.AllowPlainTextPkce {
		return "", oauth.InvalidRequest("transform algorithm not supported")
	}
	if len(challenge) < limits.CodeChallengeMinLength || len(challenge) > limits.CodeChallengeMaxLength {
		return "", oauth.InvalidRequest("invalid code_challenge")
	}
	return method, nil
}

// VerifyCodeVerifier checks a token request code_verifier against the stored
// challenge.
func VerifyCodeVerifier(challenge, method, verifier string, limits oauth.InputLengthRestrictions) bool {
	if len(verifier) < limits.CodeVerifierMinLength || len(verifier) > limits.CodeVerifierMaxLength {
		return false
	}
	if method == oauth.CodeChallengeMethodSHA256 {
		return oauth.ConstantTimeEquals(oauth.Sha256Base64URL(verifier), challenge)
	}
	return oauth.ConstantTimeEquals(verifier, challenge)
}
