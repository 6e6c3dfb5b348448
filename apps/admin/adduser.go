package main

import (
	"fmt"

	"github.com/trezcool/masomo/core/user"
)

// addUser validates then creates an active user.User
func (cli *commandLine) addUser(nu user.NewUser) error {
	if err := nu.Validate(cli.validate, cli.usrSvc); err != nil {
		return err
	}
	usr, err := cli.usrSvc.Create(nu)
	if err != nil {
		return err
	}
	fmt.Printf("created %s %q (%s)\n", usr.Role, usr.Username, usr.ID)
	return nil
}
