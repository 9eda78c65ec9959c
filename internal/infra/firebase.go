// README: Firebase Admin SDK initialisation: auth verifier, FCM, RTDB.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FirebaseToken holds the verified token data used by downstream middleware.
type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw Firebase ID token string and returns token data.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

// Firebase wraps one initialised Admin SDK app and hands out the clients the
// service needs: ID-token verification, FCM pushes, and RTDB writes.
type Firebase struct {
	app *firebase.App
}

// NewFirebase initialises the Admin SDK. If credentialsFile is non-empty it
// is used as the service-account JSON path; otherwise application-default
// credentials / GOOGLE_APPLICATION_CREDENTIALS are used. databaseURL may be
// empty when RTDB is not used.
func NewFirebase(ctx context.Context, projectID, credentialsFile, databaseURL string) (*Firebase, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   projectID,
		DatabaseURL: databaseURL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return &Firebase{app: app}, nil
}

// Verifier returns a TokenVerifier backed by Firebase Auth.
func (f *Firebase) Verifier(ctx context.Context) (TokenVerifier, error) {
	client, err := f.app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

// Messaging returns the FCM client.
func (f *Firebase) Messaging(ctx context.Context) (*messaging.Client, error) {
	client, err := f.app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return client, nil
}

// Database returns the Realtime Database client. Requires a databaseURL at
// app initialisation.
func (f *Firebase) Database(ctx context.Context) (*db.Client, error) {
	client, err := f.app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Database: %w", err)
	}
	return client, nil
}

type firebaseVerifier struct {
	client *auth.Client
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}
