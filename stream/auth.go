package stream

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// bearer auth for the platform api and socket. The jwt is issued by the
// platform at login; the client only needs the embedded ids for
// labeling, so it parses without verifying. Verification is the
// server's job.
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

type byJwt struct {
	UserId       string
	ExperimentId string
}

func parseByJwtUnverified(jwt string) (*byJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	out := &byJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		out.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		out.UserId = sub
	}
	if experimentId, ok := claims["experiment_id"].(string); ok {
		out.ExperimentId = experimentId
	}
	return out, nil
}

func (self *ClientAuth) UserId() (string, error) {
	if self.ByJwt == "" {
		return "", nil
	}
	jwt, err := parseByJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return jwt.UserId, nil
}
