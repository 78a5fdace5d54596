package claims

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDecode signals a token whose claims segment could not be decoded.
// Callers treat it as non-fatal: the fields simply stay absent.
var ErrDecode = errors.New("claims: decode failure")

// Claims are the fields of interest embedded in a team access token.
// Unless the decoder runs in strict mode these are informational only and
// must never be used as an authentication decision.
type Claims struct {
	Email     string     `json:"email,omitempty"`
	AccountID string     `json:"accountId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Decoder decodes access-token claims. With StrictVerify unset (the
// default) no cryptographic check is performed; with it set the signature
// must verify against Secret or decoding fails entirely.
type Decoder struct {
	strictVerify bool
	secret       []byte

	parser *jwt.Parser
}

// NewDecoder creates a claims decoder. secret is only consulted when
// strictVerify is set.
func NewDecoder(strictVerify bool, secret string) *Decoder {
	return &Decoder{
		strictVerify: strictVerify,
		secret:       []byte(secret),
		parser:       jwt.NewParser(),
	}
}

// Decode extracts email, account id and expiry from the token's claims
// segment. Missing claims leave fields zero; a malformed token returns
// ErrDecode.
func (d *Decoder) Decode(tokenString string) (*Claims, error) {
	var mc jwt.MapClaims

	if d.strictVerify {
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return d.secret, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			return nil, ErrDecode
		}
		mc = claims
	} else {
		token, _, err := d.parser.ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, ErrDecode
		}
		mc = claims
	}

	c := &Claims{}

	if email := lookupString(mc, "email"); email != "" {
		c.Email = email
	} else if profile, ok := mc["https://api.openai.com/profile"].(map[string]interface{}); ok {
		if v, ok := profile["email"].(string); ok {
			c.Email = v
		}
	}

	if id := lookupString(mc, "account_id"); id != "" {
		c.AccountID = id
	} else if auth, ok := mc["https://api.openai.com/auth"].(map[string]interface{}); ok {
		if v, ok := auth["chatgpt_account_id"].(string); ok {
			c.AccountID = v
		}
	}

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		c.ExpiresAt = &t
	}

	return c, nil
}

func lookupString(mc jwt.MapClaims, key string) string {
	if v, ok := mc[key].(string); ok {
		return v
	}
	return ""
}
