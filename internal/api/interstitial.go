package api

import (
	"html/template"
	"time"
)

// interstitialData feeds the preview page.
type interstitialData struct {
	Action             string
	Nonce              string
	CSRF               string
	Destination        string
	DestinationHost    string
	ExpiresAt          time.Time
	ChallengeEnabled   bool
	ChallengeSiteKey   string
	ChallengeScriptURL string
}

var interstitialTemplate = template.Must(template.New("interstitial").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, nofollow">
<meta name="referrer" content="no-referrer">
<title>Continue to {{.DestinationHost}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem;color:#1a1a1a}
button{font-size:1rem;padding:.75rem 1.5rem;border:0;border-radius:.375rem;background:#1f5eff;color:#fff;cursor:pointer}
small{color:#666}
</style>
{{- if and .ChallengeEnabled .ChallengeScriptURL}}
<script src="{{.ChallengeScriptURL}}" async defer></script>
{{- end}}
</head>
<body>
<h1>Continue to {{.DestinationHost}}</h1>
<p>This link can only be used once. Press the button to continue.</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="csrf" value="{{.CSRF}}">
<input type="hidden" name="nonce" value="{{.Nonce}}">
<input type="hidden" name="destination" value="{{.Destination}}">
{{- if .ChallengeEnabled}}
<div class="cf-turnstile" data-sitekey="{{.ChallengeSiteKey}}" data-response-field-name="challenge_token"></div>
{{- end}}
<button type="submit">Continue</button>
</form>
<p><small>This confirmation expires at {{.ExpiresAt.UTC.Format "15:04 UTC"}}.</small></p>
</body>
</html>
`))
