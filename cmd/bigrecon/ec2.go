// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// Registered so that the written profile shows all defaults.
	_ "github.com/grailbio/base/config/aws"
	"github.com/grailbio/bigrecon/reconconfig"
)

// Reconstructions are compute bound; default to compute optimized
// instances.
const ec2InstanceType = "c5.2xlarge"

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigrecon setup-ec2 [-securitygroup name] [-instance type]

Command setup-ec2 sets up a security group so that bigrecon
reconstructions can run on AWS EC2, and writes the resulting
configuration to `, reconconfig.Path, `. An existing configuration
is modified in place.

If a security group of the given name exists, it is reused. Otherwise
a group is created in the default VPC with these rules:

	allowed: all traffic within the default VPC
	allowed: all outbound
	allowed: inbound SSH connections
	allowed: inbound HTTPS connections

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigrecon setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigrecon", "name of the security group to set up")
		instance      = flags.String("instance", ec2InstanceType, "EC2 instance type of bigrecon workers")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	f, err := os.Open(reconconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	must.Nil(configureEC2(profile, *securityGroup, *instance, func() (ec2iface.EC2API, error) {
		sess, err := session.NewSession()
		if err != nil {
			return nil, err
		}
		return ec2.New(sess), nil
	}))
	must.Nil(writeProfile(profile, reconconfig.Path))
	log.Print("wrote configuration to ", reconconfig.Path)
}

// configureEC2 sets up the profile to run bigrecon sessions on EC2.
// The EC2 client is created only if no security group is configured.
// Machines use the region of the aws/env instance.
func configureEC2(profile *config.Profile, group, instance string, client func() (ec2iface.EC2API, error)) error {
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Print("ec2 security group ", v, " already configured")
	} else {
		svc, err := client()
		if err != nil {
			return errors.E("setting up AWS session", err)
		}
		id, err := setupEC2SecurityGroup(svc, group)
		if err != nil {
			return errors.E("setting up security group", err)
		}
		if err := profile.Set("bigmachine/ec2system.security-group", id); err != nil {
			return err
		}
	}
	if err := profile.Set("bigrecon.system", "bigmachine/ec2system"); err != nil {
		return err
	}
	return profile.Set("bigmachine/ec2system.instance", instance)
}

// writeProfile atomically replaces the profile at path.
func writeProfile(profile *config.Profile, path string) error {
	var buf bytes.Buffer
	if err := profile.PrintTo(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	if err := os.WriteFile(path+".setup-ec2", buf.Bytes(), 0666); err != nil {
		return err
	}
	return os.Rename(path+".setup-ec2", path)
}

func setupEC2SecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	describeResp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("query security group %q", name), err)
	}
	if len(describeResp.SecurityGroups) > 0 {
		id := aws.StringValue(describeResp.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcResp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", errors.E("retrieve default VPC", err)
	}
	switch len(vpcResp.Vpcs) {
	case 0:
		return "", errors.E(errors.NotExist,
			"AWS account does not have a default VPC and requires manual setup.\n"+
				"See https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
	default:
		return "", errors.E(errors.Invalid, "AWS account has multiple default VPCs; needs manual setup")
	}
	vpc := vpcResp.Vpcs[0]
	log.Printf("creating security group %s in default VPC %s", name, aws.StringValue(vpc.VpcId))
	resp, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group created by bigrecon setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("create security group %s", name), err)
	}
	id := aws.StringValue(resp.GroupId)
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []*ec2.IpPermission{
			// Workers within the VPC.
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			tcpIngress(22),
			// Bigmachine supervisor connections.
			tcpIngress(443),
		},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorize ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String("bigrecon-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %v", id)
	return id, nil
}

func tcpIngress(port int64) *ec2.IpPermission {
	return &ec2.IpPermission{
		IpProtocol: aws.String("tcp"),
		IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		FromPort:   aws.Int64(port),
		ToPort:     aws.Int64(port),
	}
}
