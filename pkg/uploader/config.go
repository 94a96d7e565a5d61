package uploader

import (
	"github.com/paulschiretz/pgl-serverbackup/pkg/sftpclient"
)

// Config holds the settings of every backend. Only enabled backends take part
// in a run.
type Config struct {
	S3      S3Config      `yaml:"s3"`
	SFTP    SFTPConfig    `yaml:"sftp"`
	Dropbox DropboxConfig `yaml:"dropbox"`
	Local   LocalConfig   `yaml:"local"`
}

// Enabled returns the ids of the enabled backends in build order.
func (c Config) Enabled() []string {
	var ids []string
	if c.S3.Enabled {
		ids = append(ids, s3ID)
	}
	if c.SFTP.Enabled {
		ids = append(ids, sftpID)
	}
	if c.Dropbox.Enabled {
		ids = append(ids, dropboxID)
	}
	if c.Local.Enabled {
		ids = append(ids, localID)
	}
	return ids
}

// Only returns a copy of c with every backend except id disabled. Used by the
// test command.
func (c Config) Only(id string) (Config, bool) {
	out := c
	out.S3.Enabled = id == s3ID
	out.SFTP.Enabled = id == sftpID
	out.Dropbox.Enabled = id == dropboxID
	out.Local.Enabled = id == localID
	switch id {
	case s3ID, sftpID, dropboxID, localID:
		return out, true
	}
	return Config{}, false
}

// IDs lists every known backend id.
func IDs() []string {
	return []string{s3ID, sftpID, dropboxID, localID}
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	UseSSL          bool   `yaml:"useSSL"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	RemoteDirectory string `yaml:"remoteDirectory"`
	PartSizeMB      int64  `yaml:"partSizeMB,omitempty"`
	Concurrency     int    `yaml:"concurrency,omitempty"`
}

type SFTPConfig struct {
	Enabled           bool `yaml:"enabled"`
	sftpclient.Config `yaml:",inline"`
	RemoteDirectory   string `yaml:"remoteDirectory"`
}

type DropboxConfig struct {
	Enabled         bool   `yaml:"enabled"`
	AppKey          string `yaml:"appKey"`
	AppSecret       string `yaml:"appSecret,omitempty"`
	RemoteDirectory string `yaml:"remoteDirectory"`
	ChunkSizeMB     int64  `yaml:"chunkSizeMB,omitempty"`
}

type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}
