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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAesEncryptDecrypt(t *testing.T) {
	key := "0123456789abcdef"

	cipherText, err := aesEncrypt("hello world", key)
	require.NoError(t, err)
	require.NotEmpty(t, cipherText)
	assert.NotEqual(t, "hello world", cipherText)

	plainText, err := aesDecrypt(cipherText, key)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plainText)
}

func TestAesEncryptInvalidKey(t *testing.T) {
	_, err := aesEncrypt("hello", "shortkey")
	require.Error(t, err)
	assert.Equal(t, "expects a key 16 or 32 bytes long", err.Error())
}

func TestAesDecryptWrongKey(t *testing.T) {
	cipherText, err := aesEncrypt("hello", "0123456789abcdef")
	require.NoError(t, err)

	_, err = aesDecrypt(cipherText, "fedcba9876543210")
	assert.Error(t, err)
}

func TestAesDecryptInvalidInput(t *testing.T) {
	_, err := aesDecrypt("%%%not-base64%%%", "0123456789abcdef")
	require.Error(t, err)

	_, err = aesDecrypt("c2hvcnQ=", "0123456789abcdef")
	require.Error(t, err)
}

func TestSha256Hash(t *testing.T) {
	// Stable digest for a known input.
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sha256Hash("hello"))
}

func TestBcryptHashAndCompare(t *testing.T) {
	hash, err := bcryptHash("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	assert.True(t, bcryptCompare(hash, "correct horse battery staple"))
	assert.False(t, bcryptCompare(hash, "wrong password"))
}
