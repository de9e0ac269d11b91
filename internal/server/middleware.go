package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/smallbiznis/pawbill/internal/observability/context"
)

const (
	HeaderManualSubscriptionID = "X-Manual-Subscription-ID"
	contextActorKey            = "actor"
)

var errMissingBearer = errors.New("missing_bearer_token")

// adminClaims is the payload of an admin bearer token. Role is matched
// against the casbin roles, e.g. "admin" or "viewer".
type adminClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// CronSecretRequired guards the billing trigger with the shared cron secret.
// An empty secret leaves the endpoint open, matching local development.
func (s *Server) CronSecretRequired() gin.HandlerFunc {
	secret := strings.TrimSpace(s.cfg.CronSecret)
	return func(c *gin.Context) {
		if secret != "" {
			token, err := bearerToken(c)
			if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				AbortWithError(c, ErrUnauthorized)
				return
			}
		}

		setActor(c, Actor{Type: ActorSystem, ID: "cron"})
		c.Next()
	}
}

// AdminAuthRequired verifies an HS256 admin token signed with AUTH_JWT_SECRET.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(s.cfg.AuthJWTSecret))
	issuer := strings.TrimSpace(s.cfg.AuthJWTIssuer)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		raw, err := bearerToken(c)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		var claims adminClaims
		token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		setActor(c, Actor{Type: ActorUser, ID: subject, Role: strings.TrimSpace(claims.Role)})
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errMissingBearer
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

func setActor(c *gin.Context, actor Actor) {
	c.Set(contextActorKey, actor)
	actorType := "admin"
	if actor.Type == ActorSystem {
		actorType = "system"
	}
	c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actorType, actor.ID))
}
