// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/conf"
)

// tokenLifetime is the validity of a dashboard token.
const tokenLifetime = time.Hour

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// validateCredentials checks if the provided username and password match
// any of the configured admin accounts
func validateCredentials(username, password string, config *conf.Config) bool {
	if storedPassword, exists := config.JWT.Admin[username]; exists {
		return storedPassword == password
	}
	return false
}

// writeJSON sends a json payload with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// Login creates a login handler using the provided configuration
func Login(config *conf.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		err := json.NewDecoder(r.Body).Decode(&creds)
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		if !validateCredentials(creds.Username, creds.Password, config) {
			log.Warnf("Connection attempt failed for user: %s", creds.Username)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		log.Infof("User logged in: %s", creds.Username)

		expirationTime := time.Now().Add(tokenLifetime)
		claims := &Claims{
			Username: creds.Username,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(expirationTime),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte(config.JWT.SecretKey))
		if err != nil {
			log.Errorf("Signing token failed: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		// The dashboard reads the token from a cookie, scripts use the json payload
		http.SetCookie(w, &http.Cookie{
			Name:     "token",
			Value:    tokenString,
			Expires:  expirationTime,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token":      tokenString,
			"expires_at": expirationTime.UTC(),
			"user":       map[string]string{"name": creds.Username},
		})
	}
}

// AuthMiddleware creates JWT authentication middleware using the provided configuration
func AuthMiddleware(config *conf.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenStr string

			// Try to get a token from the Authorization header first (Bearer token)
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				tokenStr = strings.TrimPrefix(authHeader, "Bearer ")
			} else {
				c, err := r.Cookie("token")
				if err != nil {
					if errors.Is(err, http.ErrNoCookie) {
						writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "No authentication token provided"})
						return
					}
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
					return
				}
				tokenStr = c.Value
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(config.JWT.SecretKey), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

			if err != nil {
				log.Debugf("JWT parse error: %v", err)

				response := map[string]string{}
				switch {
				case errors.Is(err, jwt.ErrTokenExpired):
					response["error"] = "Token has expired"
					response["code"] = "TOKEN_EXPIRED"
				case errors.Is(err, jwt.ErrSignatureInvalid):
					response["error"] = "Invalid token signature"
				case errors.Is(err, jwt.ErrTokenNotValidYet):
					response["error"] = "Token not valid yet"
				case errors.Is(err, jwt.ErrTokenMalformed):
					response["error"] = "Token is malformed"
				default:
					response["error"] = "Invalid or malformed token"
				}
				writeJSON(w, http.StatusUnauthorized, response)
				return
			}

			if !token.Valid {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Token is not valid"})
				return
			}

			r.Header.Set("X-Username", claims.Username)
			next.ServeHTTP(w, r)
		})
	}
}
