package auth

import "github.com/gin-gonic/gin"

// Principal is the verified caller of a protected route.
type Principal struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Method  string `json:"method"`
}

const principalKey = "auth.principal"

// FromContext returns the principal stored by one of the middlewares.
func FromContext(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
