package pre_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threshold-net/pre-client/pkg/pre"
	"github.com/threshold-net/pre-client/pkg/preerr"
)

func setupPolicy(t *testing.T, m, n int) (provider pre.Provider, delegatingSK *pre.PrivateKey, receivingSK *pre.PrivateKey, receivingPK *pre.PublicKey, signer *pre.Signer, policyPK *pre.PublicKey, kfrags []*pre.KFrag, label []byte) {
	t.Helper()
	provider = pre.NewProvider()

	var err error
	delegatingSK, _, err = pre.GenerateKeyPair()
	require.NoError(t, err)
	receivingSK, receivingPK, err = pre.GenerateKeyPair()
	require.NoError(t, err)
	signingSK, _, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signer = pre.NewSigner(signingSK)

	label = []byte("heart-monitor-01/vitals")
	policyPK, kfrags, err = provider.GenerateKFrags(delegatingSK, receivingPK, signer, label, m, n)
	require.NoError(t, err)
	require.Len(t, kfrags, n)
	return
}

func TestEncryptDecryptRoundTripAtThreshold(t *testing.T) {
	provider, _, receivingSK, receivingPK, signer, policyPK, kfrags, _ := setupPolicy(t, 3, 5)

	plaintext := []byte("systolic=118 diastolic=76")
	capsule, ciphertext, err := provider.Encrypt(policyPK, plaintext)
	require.NoError(t, err)

	// CorrectnessKeys must mirror exactly what each kfrag was bound to.
	keys := pre.CorrectnessKeys{
		Delegating: kfragPolicyPoint(kfrags[0]),
		Receiving:  kfragReceivingPoint(kfrags[0]),
		Verifying:  kfragVerifyingPoint(kfrags[0]),
	}
	capsule.SetCorrectnessKeys(keys)

	// Apply exactly m of the n kfrags.
	for _, kf := range kfrags[:3] {
		cfrag, err := provider.Reencrypt(kf, capsule)
		require.NoError(t, err)
		require.NoError(t, provider.AttachCFrag(capsule, cfrag, keys))
	}
	require.Equal(t, 3, capsule.AttachedCount())

	recovered, err := provider.Decrypt(capsule, ciphertext, receivingSK)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)

	_ = signer
}

func TestDecryptFailsBelowThreshold(t *testing.T) {
	provider, _, receivingSK, _, _, policyPK, kfrags, _ := setupPolicy(t, 3, 5)

	plaintext := []byte("below threshold")
	capsule, ciphertext, err := provider.Encrypt(policyPK, plaintext)
	require.NoError(t, err)

	keys := pre.CorrectnessKeys{
		Delegating: kfragPolicyPoint(kfrags[0]),
		Receiving:  kfragReceivingPoint(kfrags[0]),
		Verifying:  kfragVerifyingPoint(kfrags[0]),
	}
	capsule.SetCorrectnessKeys(keys)

	for _, kf := range kfrags[:2] {
		cfrag, err := provider.Reencrypt(kf, capsule)
		require.NoError(t, err)
		require.NoError(t, provider.AttachCFrag(capsule, cfrag, keys))
	}
	require.Equal(t, 2, capsule.AttachedCount())

	_, err = provider.Decrypt(capsule, ciphertext, receivingSK)
	require.Error(t, err, "2 of 5 shares with m=3 must not recover the plaintext")
}

func TestAttachCFragRejectsCrossPolicyCFrag(t *testing.T) {
	provider, _, _, _, _, policyPKA, kfragsA, _ := setupPolicy(t, 2, 3)
	_, _, _, _, _, policyPKB, kfragsB, _ := setupPolicy(t, 2, 3)

	capsuleA, _, err := provider.Encrypt(policyPKA, []byte("policy A secret"))
	require.NoError(t, err)

	keysA := pre.CorrectnessKeys{
		Delegating: kfragPolicyPoint(kfragsA[0]),
		Receiving:  kfragReceivingPoint(kfragsA[0]),
		Verifying:  kfragVerifyingPoint(kfragsA[0]),
	}
	capsuleA.SetCorrectnessKeys(keysA)

	// A cfrag honestly produced for policy B, replayed against policy A's
	// capsule: its embedded policy/receiving/verifying keys don't match
	// keysA, so AttachCFrag must reject it.
	foreignCFrag, err := provider.Reencrypt(kfragsB[0], capsuleA)
	require.NoError(t, err)

	err = provider.AttachCFrag(capsuleA, foreignCFrag, keysA)
	require.ErrorIs(t, err, preerr.ErrIncorrectCFrag)

	var incorrect *preerr.IncorrectCFragError
	require.ErrorAs(t, err, &incorrect)
	require.Equal(t, 0, capsuleA.AttachedCount(), "rejected cfrag must not be attached")

	_ = policyPKB
}

func TestSignVerifyRoundTrip(t *testing.T) {
	provider := pre.NewProvider()
	sk, pk, err := pre.GenerateKeyPair()
	require.NoError(t, err)
	signer := pre.NewSigner(sk)

	msg := []byte("arrangement proposal")
	sig, err := provider.Sign(signer, msg)
	require.NoError(t, err)
	require.True(t, provider.Verify(pk, msg, sig))
	require.False(t, provider.Verify(pk, []byte("tampered"), sig))
}

// kfragPolicyPoint etc. reach into the KFrag's exported correctness-binding
// fields; they exist so tests can construct CorrectnessKeys identical to
// what GenerateKFrags bound, without re-deriving policy keys by hand.
func kfragPolicyPoint(kf *pre.KFrag) *pre.Point    { return kf.PolicyPK }
func kfragReceivingPoint(kf *pre.KFrag) *pre.Point { return kf.ReceivingPK }
func kfragVerifyingPoint(kf *pre.KFrag) *pre.Point { return kf.VerifyingPK }
