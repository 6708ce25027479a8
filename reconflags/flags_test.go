// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package reconflags_test

import (
	"flag"
	"io/ioutil"
	"testing"

	"github.com/grailbio/bigrecon/reconflags"
)

func TestProvider(t *testing.T) {
	local := &reconflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if local.DefaultParallelism() < 1 {
		t.Error("no default parallelism")
	}
	internal := &reconflags.Internal{}
	if got, want := internal.Name(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	ec2 := &reconflags.EC2{}
	if got, want := ec2.Name(), "EC2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=-1"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSystemFlag(t *testing.T) {
	tf := &reconflags.Flags{}
	if err := tf.System.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &reconflags.Flags{}
	if err := tf.System.Set("internal:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := tf.System.Set("cluster"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &reconflags.Flags{}
	if err := tf.System.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "EC2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProfile(t *testing.T) {
	reconflags.RegisterSystemProfile("test-profile", "ec2:instance=c5.xlarge")
	_, profiles := reconflags.ProvidersAndProfiles()
	if got, want := profiles["test-profile"], "ec2:instance=c5.xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var tf reconflags.Flags
	if err := tf.System.Set("test-profile:ondemand=true"); err != nil {
		t.Fatal(err)
	}
	if got, want := tf.System.String(), "EC2:instance=c5.xlarge,ondemand=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExecOptions(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var bf reconflags.Flags
	reconflags.RegisterFlags(fs, &bf, "recon-")
	if err := fs.Parse([]string{"-recon-parallelism=3", "-recon-devices=2", "-recon-device-memory=1024"}); err != nil {
		t.Fatal(err)
	}
	if got, want := bf.System.String(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if bf.System.Specified {
		t.Error("default system reported as specified")
	}
	options, err := bf.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	// status, system, parallelism, devices, device memory, metrics
	if got, want := len(options), 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if bf.Registry == nil {
		t.Error("no metrics registry")
	}

	bf.Devices = -1
	if _, err := bf.ExecOptions(); err == nil {
		t.Error("expected error")
	}
}
