package domain

// ClientConfig is handed to the browser so its data client talks to the
// same app and endpoints the server rendered the page with.
type ClientConfig struct {
	AppID        string `json:"appId"`
	APIURI       string `json:"apiURI"`
	WebsocketURI string `json:"websocketURI"`
	Schema       any    `json:"schema"`
	User         *User  `json:"user"`
}
