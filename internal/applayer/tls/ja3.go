package tls

// JA3/JA3S TLS fingerprinting, as popularized by Salesforce
// (https://github.com/salesforce/ja3). A signature's `tls.ja3:"<hash>"`
// predicate compares against these hashes.
//
// Adapted from the teacher's pcap/ja3/ja3.go almost verbatim: only the
// input types changed, from gnet.TLSClientHello/TLSServerHello to this
// package's ClientHello/ServerHello.

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
)

const (
	dashByte  = byte(45)
	commaByte = byte(44)
)

// JA3Hash returns the JA3 fingerprint of a TLS Client Hello:
// SSLVersion,Cipher,SSLExtension,EllipticCurve,EllipticCurvePointFormat
func JA3Hash(hello ClientHello) string {
	b := make([]byte, 0, 64)

	b = strconv.AppendUint(b, uint64(hello.Version), 10)
	b = append(b, commaByte)

	if len(hello.CipherSuites) != 0 {
		for _, v := range hello.CipherSuites {
			b = strconv.AppendUint(b, uint64(v), 10)
			b = append(b, dashByte)
		}
		b[len(b)-1] = commaByte
	} else {
		b = append(b, commaByte)
	}

	for _, ext := range hello.Extensions {
		b = appendDashed(b, ext)
	}
	if len(b) > 0 && b[len(b)-1] == dashByte {
		b[len(b)-1] = commaByte
	} else {
		b = append(b, commaByte)
	}

	if len(hello.SupportedCurves) > 0 {
		for _, v := range hello.SupportedCurves {
			b = strconv.AppendUint(b, uint64(v), 10)
			b = append(b, dashByte)
		}
		b[len(b)-1] = commaByte
	} else {
		b = append(b, commaByte)
	}

	if len(hello.SupportedPoints) > 0 {
		for _, v := range hello.SupportedPoints {
			b = strconv.AppendUint(b, uint64(v), 10)
			b = append(b, dashByte)
		}
		b = b[:len(b)-1]
	}

	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// JA3SHash returns the JA3S fingerprint of a TLS Server Hello:
// SSLVersion,Cipher,SSLExtension
func JA3SHash(hello ServerHello) string {
	b := make([]byte, 0, 32)

	b = strconv.AppendUint(b, uint64(hello.HandshakeVersion), 10)
	b = append(b, commaByte)
	b = strconv.AppendUint(b, uint64(hello.CipherSuite), 10)
	b = append(b, commaByte)

	for _, ext := range hello.Extensions {
		b = appendDashed(b, ext)
	}
	if len(b) > 0 && b[len(b)-1] == dashByte {
		b = b[:len(b)-1]
	}

	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func appendDashed(b []byte, v uint16) []byte {
	b = strconv.AppendUint(b, uint64(v), 10)
	return append(b, dashByte)
}
