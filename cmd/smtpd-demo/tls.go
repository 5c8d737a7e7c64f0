package main

import "crypto/tls"

// buildTLSConfig loads a single certificate/key pair from
// certDir/fullchain.pem and certDir/privkey.pem, matching the layout
// letsencrypt uses, so a LetsEncrypt directory can be pointed at directly.
func buildTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certDir+"/fullchain.pem", certDir+"/privkey.pem")
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
