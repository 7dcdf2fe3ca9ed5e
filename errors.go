package jalloc

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// RemapUnsupportedError is returned from the virtual-memory layer on platforms that cannot
// grow or shrink an anonymous mapping in place
var RemapUnsupportedError error = errors.New("in-place remap is not supported on this platform")
