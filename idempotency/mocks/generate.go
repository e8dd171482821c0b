package mocks

//go:generate mockgen -destination=store_mock.go -package=mocks github.com/tekupdk/actionguard/idempotency Store,Claimer
