package core

import (
	"crypto/rand"
	"encoding/base64"
	"io/ioutil"
	"os"
)

// GenChallengeToken returns 16 random bytes as unpadded URL-safe base64,
// the token format served under the well-known path.
func GenChallengeToken() string {
	rdata := make([]byte, 16)
	rand.Read(rdata)
	return base64.RawURLEncoding.EncodeToString(rdata)
}

// GenRandomAlphanumString returns n random lowercase alphanumerics, used
// for account, order, authorization and challenge ids.
func GenRandomAlphanumString(n int) string {
	const lb = "abcdefghijklmnopqrstuvwxyz0123456789"
	rdata := make([]byte, n)
	rand.Read(rdata)
	b := make([]byte, n)
	for i, r := range rdata {
		b[i] = lb[int(r)%len(lb)]
	}
	return string(b)
}

func CreateDir(path string, perm os.FileMode) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, perm)
		if err != nil {
			return err
		}
	}
	return nil
}

func ReadFromFile(path string) ([]byte, error) {
	return ioutil.ReadFile(path)
}

func SaveToFile(b []byte, fpath string, perm os.FileMode) error {
	file, err := os.OpenFile(fpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(b)
	return err
}
