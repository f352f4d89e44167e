package panel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// StreamSettings: нужная для ссылки часть streamSettings инбаунда
type StreamSettings struct {
	Network    string `json:"network"`
	Security   string `json:"security"`
	WSSettings *struct {
		Path    string            `json:"path"`
		Host    string            `json:"host"`
		Headers map[string]string `json:"headers"`
	} `json:"wsSettings"`
	GRPCSettings *struct {
		ServiceName string `json:"serviceName"`
	} `json:"grpcSettings"`
	TLSSettings *struct {
		ServerName string `json:"serverName"`
	} `json:"tlsSettings"`
	RealitySettings *struct {
		ServerNames []string `json:"serverNames"`
		ShortIDs    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"realitySettings"`
}

// ParseStreamSettings разбирает JSON-строку из инбаунда
func ParseStreamSettings(raw string) (StreamSettings, error) {
	var s StreamSettings
	if strings.TrimSpace(raw) == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("stream settings: %w", err)
	}
	return s, nil
}

// VLESSParams: всё, что нужно для vless://
type VLESSParams struct {
	ClientID string
	Address  string
	Port     int
	Remark   string
	Stream   StreamSettings
	// ForceSecurity переопределяет security (туннель)
	ForceSecurity string
}

// BuildVLESS собирает vless://uuid@host:port?...#remark
func BuildVLESS(p VLESSParams) string {
	q := url.Values{}
	network := p.Stream.Network
	if network == "" {
		network = "tcp"
	}
	q.Set("type", network)
	security := p.Stream.Security
	if p.ForceSecurity != "" {
		security = p.ForceSecurity
	}
	if security == "" {
		security = "none"
	}
	q.Set("security", security)

	switch network {
	case "ws":
		if ws := p.Stream.WSSettings; ws != nil {
			path := ws.Path
			if path == "" {
				path = "/"
			}
			q.Set("path", path)
			host := ws.Host
			if host == "" && ws.Headers != nil {
				host = ws.Headers["Host"]
			}
			if host != "" {
				q.Set("host", host)
			}
		}
	case "grpc":
		if g := p.Stream.GRPCSettings; g != nil && g.ServiceName != "" {
			q.Set("serviceName", g.ServiceName)
		}
	}

	switch security {
	case "tls":
		if t := p.Stream.TLSSettings; t != nil && t.ServerName != "" {
			q.Set("sni", t.ServerName)
		}
	case "reality":
		if r := p.Stream.RealitySettings; r != nil {
			if len(r.ServerNames) > 0 {
				q.Set("sni", r.ServerNames[0])
			}
			if len(r.ShortIDs) > 0 {
				q.Set("sid", r.ShortIDs[0])
			}
			if r.Settings.PublicKey != "" {
				q.Set("pbk", r.Settings.PublicKey)
			}
			fp := r.Settings.Fingerprint
			if fp == "" {
				fp = "chrome"
			}
			q.Set("fp", fp)
		}
	}

	host := p.Address
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("vless://%s@%s:%s?%s#%s",
		p.ClientID, host, strconv.Itoa(p.Port), q.Encode(), url.PathEscape(p.Remark))
}

// BuildSubscriptionURL склеивает базу подписки и subId без двойных слэшей
func BuildSubscriptionURL(base, path, subID string) string {
	base = strings.TrimRight(base, "/")
	path = "/" + strings.Trim(path, "/") + "/"
	if path == "//" {
		path = "/"
	}
	return base + path + subID
}
