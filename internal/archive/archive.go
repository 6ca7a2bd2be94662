/*
lmtpd - concurrent LMTP delivery agent and search folder engine.
Copyright © 2019-2026 lmtpd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package archive submits delivered messages to an S3-compatible object
// store, one object per delivery, keyed by recipient and a fresh id. An
// archive failure is fatal for the delivery that requested it; the
// orchestrator removes the already-delivered message again.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mailstacks/lmtpd/framework/config"
	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/framework/module"
)

const modName = "archive.s3"

// Store is the archive client. Configured via the archive block of the
// daemon config; implements the delivery orchestrator's Archiver.
type Store struct {
	instName string
	log      log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string
}

// New builds an unconfigured Store; Init wires it from the config block.
func New(instName string) *Store {
	return &Store{
		instName: instName,
		log:      log.Logger{Name: modName},
	}
}

func (s *Store) Name() string         { return modName }
func (s *Store) InstanceName() string { return s.instName }

func (s *Store) Init(cfg *config.Map) error {
	var (
		secure          bool
		accessKeyID     string
		secretAccessKey string
		location        string
	)
	cfg.String("endpoint", false, true, "", &s.endpoint)
	cfg.Bool("secure", false, true, &secure)
	cfg.String("access_key", false, true, "", &accessKeyID)
	cfg.String("secret_key", false, true, "", &secretAccessKey)
	cfg.String("bucket", false, true, "", &s.bucketName)
	cfg.String("region", false, false, "", &location)
	cfg.String("object_prefix", false, false, "", &s.objectPrefix)

	if _, err := cfg.Process(); err != nil {
		return err
	}
	if s.endpoint == "" {
		return fmt.Errorf("%s: endpoint not set", modName)
	}
	if s.bucketName == "" {
		return fmt.Errorf("%s: bucket not set", modName)
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: secure,
		Region: location,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	s.cl = cl
	return nil
}

// Archive stores raw under <prefix><recipient>/<date>/<uuid>.eml.
func (s *Store) Archive(ctx context.Context, recipientSMTP string, raw []byte) error {
	key := fmt.Sprintf("%s%s/%s/%s.eml",
		s.objectPrefix, recipientSMTP,
		time.Now().UTC().Format("2006-01-02"), uuid.NewString())

	_, err := s.cl.PutObject(ctx, s.bucketName, key,
		bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "message/rfc822"})
	if err != nil {
		return fmt.Errorf("%s: storing %s: %w", modName, key, err)
	}
	s.log.DebugMsg("message archived", "key", key, "rcpt", recipientSMTP)
	return nil
}

var _ module.Module = (*Store)(nil)
