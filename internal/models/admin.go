package models

// SignResponse is returned by GET /admin/sign.
type SignResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	TS    int64  `json:"ts"`
	Nonce string `json:"nonce"`
}
