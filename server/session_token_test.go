// Copyright 2023 The Rift Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	userID := uuid.Must(uuid.NewV4())
	exp := time.Now().UTC().Add(time.Hour).Unix()
	vars := map[string]string{"device": "test"}

	token, tokenExp := generateTokenWithExpiry("testsigningkey", userID.String(), "someuser", vars, exp)
	require.NotEmpty(t, token)
	assert.Equal(t, exp, tokenExp)

	parsedUserID, username, parsedVars, parsedExp, ok := parseToken([]byte("testsigningkey"), token)
	require.True(t, ok)
	assert.Equal(t, userID, parsedUserID)
	assert.Equal(t, "someuser", username)
	assert.Equal(t, vars, parsedVars)
	assert.Equal(t, exp, parsedExp)
}

func TestParseTokenWrongKey(t *testing.T) {
	userID := uuid.Must(uuid.NewV4())
	exp := time.Now().UTC().Add(time.Hour).Unix()

	token, _ := generateTokenWithExpiry("testsigningkey", userID.String(), "someuser", nil, exp)

	_, _, _, _, ok := parseToken([]byte("anotherkey"), token)
	assert.False(t, ok)
}

func TestParseTokenExpired(t *testing.T) {
	userID := uuid.Must(uuid.NewV4())
	exp := time.Now().UTC().Add(-time.Hour).Unix()

	token, _ := generateTokenWithExpiry("testsigningkey", userID.String(), "someuser", nil, exp)

	_, _, _, _, ok := parseToken([]byte("testsigningkey"), token)
	assert.False(t, ok)
}

func TestParseTokenGarbage(t *testing.T) {
	_, _, _, _, ok := parseToken([]byte("testsigningkey"), "not.a.token")
	assert.False(t, ok)
}

func TestGenerateTokenUsesConfiguredExpiry(t *testing.T) {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)
	cfg.GetSession().TokenExpirySec = 120

	before := time.Now().UTC().Unix()
	token, exp := generateToken(cfg, uuid.Must(uuid.NewV4()).String(), "someuser", nil)
	require.NotEmpty(t, token)
	assert.GreaterOrEqual(t, exp, before+120)
	assert.LessOrEqual(t, exp, before+121)
}
