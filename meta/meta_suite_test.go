// Package meta_test
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package meta_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestMeta(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Meta Suite")
}
