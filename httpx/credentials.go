package httpx

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/oauth"

	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/users"
)

// Claims carried by access tokens.
const (
	ClaimUserID        = "user_id"
	ClaimRoles         = "roles"
	ClaimRegionID      = "region_id"
	ClaimGovernorateID = "governorate_id"
)

// refresh tokens outlive access tokens; the access token TTL is the session
// inactivity timeout
const refreshTTL = 30 * 24 * time.Hour

type credentialsVerifier struct {
	db    *sql.DB
	users *users.Service
}

func CredentialsVerifier(db *sql.DB, users *users.Service) oauth.CredentialsVerifier {
	return &credentialsVerifier{db, users}
}

func NewBearerServer(db *sql.DB, users *users.Service, secret string, ttl time.Duration) *oauth.BearerServer {
	return oauth.NewBearerServer(secret, ttl, CredentialsVerifier(db, users), nil)
}

func (cs *credentialsVerifier) ValidateUser(username string, password string, scope string, r *http.Request) error {
	u, err := cs.users.Authenticate(r.Context(), username, password)
	if err != nil {
		log.WithFields(log.Fields{"username": username}).Debugf("login.validate_user: %s", err)
		return err
	}
	log.WithFields(log.Fields{"user_id": u.ID, "role": u.Role}).Info("login")
	return nil
}

func (cs *credentialsVerifier) StoreTokenID(tokenType oauth.TokenType, credential string, tokenID string, refreshTokenID string) error {
	now := time.Now().UTC()
	_, err := cs.db.Exec("DELETE FROM token WHERE username = ? AND expiration < ?", credential, now)
	if err != nil {
		return err
	}
	_, err = cs.db.Exec(
		"INSERT INTO token (username, token_id, refresh_token_id, expiration) VALUES (?, ?, ?, ?)",
		credential,
		tokenID,
		refreshTokenID,
		now.Add(refreshTTL),
	)
	return err
}

func (cs *credentialsVerifier) ValidateTokenID(tokenType oauth.TokenType, credential string, tokenID string, refreshTokenID string) error {
	var valid bool
	err := cs.db.
		QueryRow(`
			DELETE FROM token
			WHERE username = ?
				AND token_id = ?
				AND refresh_token_id = ?
			RETURNING expiration > ?`,
			credential,
			tokenID,
			refreshTokenID,
			time.Now().UTC(),
		).
		Scan(&valid)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Errorf("db.validate_token: %+v", err)
	}
	if !valid {
		return errors.New("could not refresh")
	}
	return nil
}

// AddClaims binds the session to the current role and scope of the user,
// read again on every refresh.
func (cs *credentialsVerifier) AddClaims(tokenType oauth.TokenType, credential string, tokenID string, scope string, r *http.Request) (map[string]string, error) {
	actor, err := cs.users.SessionActor(r.Context(), credential)
	if err != nil {
		return nil, err
	}
	claims := map[string]string{
		ClaimUserID: strconv.FormatInt(actor.UserID, 10),
		ClaimRoles:  string(actor.Role),
	}
	if actor.RegionID != 0 {
		claims[ClaimRegionID] = strconv.FormatInt(actor.RegionID, 10)
	}
	if actor.GovernorateID != 0 {
		claims[ClaimGovernorateID] = strconv.FormatInt(actor.GovernorateID, 10)
	}
	return claims, nil
}

func (*credentialsVerifier) AddProperties(tokenType oauth.TokenType, credential string, tokenID string, scope string, r *http.Request) (map[string]string, error) {
	return map[string]string{}, nil
}

func (*credentialsVerifier) ValidateClient(clientID string, clientSecret string, scope string, r *http.Request) error {
	return errors.New("not supported")
}
